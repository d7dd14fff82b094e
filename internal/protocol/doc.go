// Package protocol defines the wire format between the box CLI and daemon.
//
// Messages are [Envelope] values encoded as JSON, one per line. A client
// connects to the daemon's Unix socket, writes one request, and reads one
// response; the connection is then closed. Responses carry [CmdOK] with a
// typed payload or [CmdError] with an [ErrorResult].
//
// Example usage:
//
//	client := protocol.NewClient(paths.Socket())
//
//	result, err := client.Build(ctx, &protocol.BuildRequest{
//	    Recipe:  string(source),
//	    Context: "/srv/app",
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Tag)
package protocol
