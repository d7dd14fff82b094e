// Package server implements the box daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the box CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the
// server dispatches the command, and writes the result back before
// closing the connection.
//
// Supported commands are build, status, and shutdown. Builds run
// concurrently, one goroutine per connection, against a shared engine;
// a build is cancelled when its client disconnects.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "box")
//	if err != nil {
//	    return err
//	}
//
//	srv := server.New(server.Config{}, rt)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
