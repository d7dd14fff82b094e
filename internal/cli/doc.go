// Parses flags, configures logging, and runs box subcommands.
//
// The CLI accepts the following global flags:
//
//	-q, --quiet                 Suppress informational output.
//	-v, --verbose               Enable verbose output, including run command output.
//	-d, --debug                 Enable debug output.
//	    --log-format            Log output format (text, json, logfmt).
//	-s, --socket                Daemon socket path.
//	    --containerd-address    Containerd socket address ($BOX_CONTAINERD_ADDRESS).
//	    --namespace             Containerd namespace ($BOX_NAMESPACE).
//	    --platform              Target platform ($BOX_PLATFORM).
//	    --snapshotter           Containerd snapshotter ($BOX_SNAPSHOTTER).
//
// Subcommands are build, serve, status, stop, and version. Flag defaults can
// be set in the JSON configuration file; command-line flags and environment
// variables take precedence. After parsing, the global logger is reconfigured
// to reflect the final level and format before the command runs.
//
// Example usage:
//
//	box build recipe.box --param gover=1.22.5
//	box build -n a.box b.yaml c.toml
//	box serve &
//	box build --remote recipe.box
package cli
