// Provides platform-appropriate paths for box.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS. The name "box" is used as the subdirectory under each base path.
package paths
