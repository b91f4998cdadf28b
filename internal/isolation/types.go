// Package isolation is the execution layer of vessel. It presents one
// contract for starting, executing commands in, inspecting, and tearing
// down an isolated compute environment, whether realized as a container
// managed through the engine API or a full virtual machine reached
// through an out-of-process helper.
//
// Design principles:
//   - Backend-agnostic: callers program against Runtime, never a backend
//   - One live session per controller, linear lifecycle, no nesting
//   - Structured results: exit code and output channels always separated
//   - Observable lifecycle: transitions emit events, callers never poll
package isolation

import (
	"context"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusStopping SessionStatus = "stopping"
	StatusStopped  SessionStatus = "stopped"
	StatusError    SessionStatus = "error"
)

// ExecuteResult is the output of a command run inside the environment.
type ExecuteResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// FileInfo describes one entry inside the environment's filesystem.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

// RuntimeStatus is a point-in-time snapshot of the environment.
type RuntimeStatus struct {
	Running       bool          `json:"running"`
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryPercent float64       `json:"memory_percent"`
	Uptime        time.Duration `json:"uptime"`
}

// ExecOptions modify a single Execute call.
type ExecOptions struct {
	// Timeout caps wall time for this command. Zero means the backend
	// default (30s).
	Timeout time.Duration

	// Cwd is the working directory inside the environment.
	Cwd string

	// Env variables in KEY=VALUE form, merged over the session baseline.
	Env []string
}

// StreamType tags a chunk of streamed output.
type StreamType string

const (
	StreamStdout StreamType = "stdout"
	StreamStderr StreamType = "stderr"
)

// StreamFunc receives output chunks during ExecuteStream. Chunks for
// stdout and stderr arrive tagged, in the order the backend observed them.
type StreamFunc func(stream StreamType, data []byte)

// Runtime is the contract every isolation backend satisfies.
//
// Start fails if a session is already running. Stop waits a bounded time
// for graceful shutdown; callers escalate to ForceStop when it errors.
// IsRunning is an in-memory check and never a backend round-trip.
type Runtime interface {
	Start(ctx context.Context, sessionID string, profile Profile) error
	Stop(ctx context.Context) error
	ForceStop(ctx context.Context) error

	Execute(ctx context.Context, command string, opts ExecOptions) (*ExecuteResult, error)
	ExecuteStream(ctx context.Context, command string, opts ExecOptions, onOutput StreamFunc) (int, error)

	ListFiles(ctx context.Context, path string) ([]FileInfo, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	CopyIn(ctx context.Context, hostPath, guestPath string) error
	CopyOut(ctx context.Context, guestPath, hostPath string) error

	Status(ctx context.Context) (*RuntimeStatus, error)
	UpdateProfile(ctx context.Context, patch ProfilePatch) (*UpdateReport, error)
	IsRunning() bool

	// Subscribe registers a lifecycle observer. Observers are invoked
	// synchronously on the goroutine performing the transition.
	Subscribe(fn EventFunc)
}

// BackendKind selects the Runtime realization. Resolution happens once at
// construction; nothing re-dispatches by name afterward.
type BackendKind string

const (
	BackendContainer BackendKind = "container"
	BackendVM        BackendKind = "vm"
)
