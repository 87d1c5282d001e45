// Package ipc provides the unix-socket control channel between the CLI
// and the process that owns the live streaming session.
package ipc

// Commands accepted by the session owner.
const (
	CommandStart  = "start"
	CommandStop   = "stop"
	CommandStatus = "status"
)

type Request struct {
	Command string `json:"command"`
}

type Response struct {
	OK         bool   `json:"ok"`
	State      string `json:"state,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}
