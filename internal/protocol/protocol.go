package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Names a request or response kind.
type Command string

const (
	CmdBuild    Command = "build"    // Execute a recipe.
	CmdStatus   Command = "status"   // Report daemon status.
	CmdShutdown Command = "shutdown" // Stop the daemon.
	CmdOK       Command = "ok"       // Successful response.
	CmdError    Command = "error"    // Failed response carrying an [ErrorResult].
)

// Wire message. Each message is one JSON object followed by a newline.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Requests the execution of a recipe.
type BuildRequest struct {
	Recipe        string            `json:"recipe"`                   // Recipe source.
	Format        string            `json:"format,omitempty"`         // Recipe encoding ("lines", "yaml", "toml"). Defaults to "lines".
	Params        map[string]string `json:"params,omitempty"`         // Parameter overrides.
	Context       string            `json:"context"`                  // Absolute build context directory on the daemon host.
	Timeout       Duration          `json:"timeout,omitempty"`        // Limit for each run directive.
	VerifyFlatten bool              `json:"verify_flatten,omitempty"` // Check that flatten preserves contents.
}

// Outcome of a successful build.
type BuildResult struct {
	Tag     string `json:"tag,omitempty"`    // Committed name, empty for untagged recipes.
	Handle  string `json:"handle,omitempty"` // Final image handle, empty for untagged recipes.
	Session string `json:"session"`          // Build session identifier.
	Layers  int    `json:"layers"`           // Layers in the final image history.
}

// Daemon status.
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Builds  int    `json:"builds"` // Builds completed since start.
}

// Failure description.
type ErrorResult struct {
	Message string `json:"message"`
}

// A [time.Duration] encoded as a Go duration string (e.g., "10m").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Serializes a command and payload into an envelope. A nil payload is
// omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return data, nil
}

// Parses an envelope, returning it and its raw payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrProtocol)
	}
	return &env, env.Payload, nil
}

// Decodes a payload into a typed message.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrProtocol)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return &v, nil
}
