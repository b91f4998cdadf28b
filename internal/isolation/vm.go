package isolation

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vessel/internal/logging"
)

// Helper protocol: newline-delimited JSON over the helper's stdio.
// Requests are {id, command, params}; the helper answers with
// {type:"response", id, result} or {type:"response", id, error}.
// Streaming commands register a stream id up front and receive
// out-of-band {type:"stream", streamId, streamType, data} frames until
// the response lands. The first frame after boot is {"type":"ready"}.
const (
	frameReady    = "ready"
	frameResponse = "response"
	frameStream   = "stream"
	frameEvent    = "event"

	// startupTimeout bounds the ready handshake after spawning the helper.
	startupTimeout = 10 * time.Second

	// vmCommandTimeout is the default execute deadline. VM boot and guest
	// syscall overhead make this looser than the container default.
	vmCommandTimeout = 60 * time.Second
)

type helperParams struct {
	SessionID string        `json:"session_id,omitempty"`
	Profile   *Profile      `json:"profile,omitempty"`
	Patch     *ProfilePatch `json:"patch,omitempty"`
	Cmd       string        `json:"cmd,omitempty"`
	Path      string        `json:"path,omitempty"`
	HostPath  string        `json:"host_path,omitempty"`
	Data      string        `json:"data,omitempty"` // base64
	TimeoutMs int64         `json:"timeout_ms,omitempty"`
	Cwd       string        `json:"cwd,omitempty"`
	Env       []string      `json:"env,omitempty"`
	StreamID  string        `json:"stream_id,omitempty"`
}

type helperRequest struct {
	ID      string       `json:"id"`
	Command string       `json:"command"`
	Params  helperParams `json:"params"`
}

// helperFrame is any inbound line. Type discriminates; the rest of the
// fields are populated per frame kind.
type helperFrame struct {
	Type string `json:"type"`

	// response
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// stream
	StreamID   string `json:"streamId,omitempty"`
	StreamType string `json:"streamType,omitempty"`
	Data       string `json:"data,omitempty"` // base64

	// event
	Event string `json:"event,omitempty"`
}

// VMConfig configures a VMBackend.
type VMConfig struct {
	// HelperPath is the helper binary that owns the hypervisor session.
	HelperPath string
	HelperArgs []string

	// CommandTimeout is the default Execute deadline.
	CommandTimeout time.Duration
}

// VMBackend realizes Runtime by driving an out-of-process VM helper over
// newline-delimited JSON. The helper owns the hypervisor; this side owns
// request correlation, timeouts, and lifecycle state.
type VMBackend struct {
	notifier

	cfg VMConfig

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	status    SessionStatus
	sessionID string
	profile   Profile
	startedAt time.Time

	pending map[string]chan *helperFrame
	streams map[string]StreamFunc

	readers *errgroup.Group
	done    chan struct{}
}

// NewVMBackend returns an idle backend; the helper is not spawned until
// Start.
func NewVMBackend(cfg VMConfig) (*VMBackend, error) {
	if cfg.HelperPath == "" {
		return nil, &ValidationError{Field: "helper_path", Reason: "empty"}
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = vmCommandTimeout
	}
	return &VMBackend{
		cfg:     cfg,
		status:  StatusStopped,
		pending: make(map[string]chan *helperFrame),
		streams: make(map[string]StreamFunc),
	}, nil
}

func (b *VMBackend) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status == StatusRunning
}

// Start spawns the helper, waits for its ready frame, then issues the
// start request carrying the session profile.
func (b *VMBackend) Start(ctx context.Context, sessionID string, profile Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.status == StatusRunning || b.status == StatusStarting {
		state := b.status
		b.mu.Unlock()
		return &LifecycleError{Op: "start", State: state}
	}
	b.status = StatusStarting

	cmd := exec.Command(b.cfg.HelperPath, b.cfg.HelperArgs...)
	stdin, err := cmd.StdinPipe()
	if err == nil {
		var stdout, stderr io.ReadCloser
		stdout, err = cmd.StdoutPipe()
		if err == nil {
			stderr, err = cmd.StderrPipe()
			if err == nil {
				err = cmd.Start()
			}
		}
		if err == nil {
			b.cmd = cmd
			b.stdin = stdin
			b.done = make(chan struct{})
			ready := make(chan struct{})
			b.readers = &errgroup.Group{}
			b.readers.Go(func() error { return b.readFrames(stdout, ready) })
			b.readers.Go(func() error { b.readStderr(stderr); return nil })
			b.mu.Unlock()

			b.emit(EventStarting, sessionID, "")
			logging.Isolation("starting vm session %s via %s", sessionID, b.cfg.HelperPath)

			if err := b.awaitReady(ready); err != nil {
				b.failStart(sessionID, err)
				return err
			}
			startReq := &helperRequest{
				Command: "start",
				Params:  helperParams{SessionID: sessionID, Profile: &profile},
			}
			if _, err := b.call(ctx, startReq, startupTimeout); err != nil {
				b.failStart(sessionID, err)
				return err
			}

			b.mu.Lock()
			b.status = StatusRunning
			b.sessionID = sessionID
			b.profile = profile
			b.startedAt = time.Now()
			b.mu.Unlock()
			b.emit(EventStarted, sessionID, "")
			return nil
		}
	}
	b.status = StatusStopped
	b.mu.Unlock()
	b.emit(EventError, sessionID, err.Error())
	return &BackendError{Backend: BackendVM, Op: "spawn helper", Err: err}
}

// failStart reaps the helper after a failed boot and resets state so a
// later Start can retry.
func (b *VMBackend) failStart(sessionID string, err error) {
	b.teardown()
	b.mu.Lock()
	b.status = StatusStopped
	b.mu.Unlock()
	b.emit(EventError, sessionID, err.Error())
}

func (b *VMBackend) awaitReady(ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-b.done:
		return &BackendError{Backend: BackendVM, Op: "handshake", Err: fmt.Errorf("helper exited before ready")}
	case <-time.After(startupTimeout):
		return &TimeoutError{Op: "helper handshake", Timeout: startupTimeout}
	}
}

// readFrames is the single stdout reader. It dispatches response frames
// to their pending channel and stream frames to the registered callback.
// When the helper's stdout closes, every outstanding request is rejected.
func (b *VMBackend) readFrames(stdout io.Reader, ready chan<- struct{}) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	readySignaled := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame helperFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			logging.BridgeError("unparseable helper frame: %v", err)
			continue
		}
		switch frame.Type {
		case frameReady:
			if !readySignaled {
				close(ready)
				readySignaled = true
			}
		case frameStream:
			b.mu.Lock()
			fn := b.streams[frame.StreamID]
			b.mu.Unlock()
			if fn != nil {
				data, err := base64.StdEncoding.DecodeString(frame.Data)
				if err != nil {
					logging.BridgeError("bad stream payload for %s: %v", frame.StreamID, err)
					continue
				}
				stream := StreamStdout
				if frame.StreamType == string(StreamStderr) {
					stream = StreamStderr
				}
				fn(stream, data)
			}
		case frameResponse:
			b.mu.Lock()
			ch, exists := b.pending[frame.ID]
			if exists {
				delete(b.pending, frame.ID)
			}
			b.mu.Unlock()
			if exists {
				ch <- &frame
			} else {
				logging.BridgeDebug("response for unknown request %s", frame.ID)
			}
		case frameEvent:
			logging.Bridge("helper event: %s", frame.Event)
		default:
			logging.BridgeDebug("ignoring helper frame type %q", frame.Type)
		}
	}

	// Helper is gone. Reject everything still in flight so callers fail
	// fast instead of waiting out their timeouts, and move the session to
	// stopped unless a Stop() is already driving the transition.
	b.mu.Lock()
	for id, ch := range b.pending {
		delete(b.pending, id)
		close(ch)
	}
	if b.done != nil {
		select {
		case <-b.done:
		default:
			close(b.done)
		}
	}
	// Stop() and failStart() own the transition on their paths; only an
	// exit out of a running session is handled here.
	unexpected := b.status == StatusRunning
	if unexpected {
		b.status = StatusStopped
	}
	sessionID := b.sessionID
	b.mu.Unlock()
	if unexpected {
		logging.BridgeError("vm helper for session %s exited unexpectedly", sessionID)
		b.emit(EventStopped, sessionID, "helper exited")
	}
	return scanner.Err()
}

func (b *VMBackend) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logging.Bridge("[helper] %s", scanner.Text())
	}
}

// send registers the request in the pending map and writes it to the
// helper's stdin. The caller owns waiting on the returned channel.
func (b *VMBackend) send(req *helperRequest) (chan *helperFrame, error) {
	req.ID = uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stdin == nil {
		return nil, &LifecycleError{Op: req.Command, State: StatusStopped}
	}
	ch := make(chan *helperFrame, 1)
	b.pending[req.ID] = ch

	data, err := json.Marshal(req)
	if err != nil {
		delete(b.pending, req.ID)
		return nil, &BackendError{Backend: BackendVM, Op: req.Command, Err: err}
	}
	if _, err := b.stdin.Write(append(data, '\n')); err != nil {
		delete(b.pending, req.ID)
		return nil, &BackendError{Backend: BackendVM, Op: req.Command, Err: err}
	}
	return ch, nil
}

// call sends one request and waits for its response, bounded by timeout
// and ctx. A closed channel means the helper died mid-request.
func (b *VMBackend) call(ctx context.Context, req *helperRequest, timeout time.Duration) (*helperFrame, error) {
	ch, err := b.send(req)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, &BackendError{Backend: BackendVM, Op: req.Command, Err: fmt.Errorf("helper exited")}
		}
		if frame.Error != "" {
			return nil, &BackendError{Backend: BackendVM, Op: req.Command, Err: fmt.Errorf("%s", frame.Error)}
		}
		return frame, nil
	case <-timer.C:
		b.dropPending(req.ID)
		return nil, &TimeoutError{Op: req.Command, Timeout: timeout}
	case <-ctx.Done():
		b.dropPending(req.ID)
		return nil, ctx.Err()
	}
}

func (b *VMBackend) dropPending(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Stop asks the helper to shut the VM down, then reaps the process.
func (b *VMBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.status != StatusRunning {
		state := b.status
		b.mu.Unlock()
		return &LifecycleError{Op: "stop", State: state}
	}
	b.status = StatusStopping
	sessionID := b.sessionID
	b.mu.Unlock()

	b.emit(EventStopping, sessionID, "")
	_, callErr := b.call(ctx, &helperRequest{Command: "stop"}, startupTimeout)
	b.teardown()

	b.mu.Lock()
	b.status = StatusStopped
	b.mu.Unlock()
	b.emit(EventStopped, sessionID, "")
	logging.Isolation("vm session %s stopped", sessionID)

	if callErr != nil {
		// The helper may exit before answering; that still counts as
		// stopped, so only surface real protocol failures.
		var be *BackendError
		if asBackendError(callErr, &be) && be.Err.Error() == "helper exited" {
			return nil
		}
		return callErr
	}
	return nil
}

// ForceStop kills the helper process outright.
func (b *VMBackend) ForceStop(ctx context.Context) error {
	b.mu.Lock()
	sessionID := b.sessionID
	if b.status == StatusStopped {
		b.mu.Unlock()
		return &LifecycleError{Op: "force stop", State: StatusStopped}
	}
	b.status = StatusStopping
	b.mu.Unlock()

	b.emit(EventStopping, sessionID, "")
	b.teardown()
	b.mu.Lock()
	b.status = StatusStopped
	b.mu.Unlock()
	b.emit(EventStopped, sessionID, "")
	return nil
}

func asBackendError(err error, target **BackendError) bool {
	for err != nil {
		if be, ok := err.(*BackendError); ok {
			*target = be
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// teardown kills the helper and waits briefly for the readers.
func (b *VMBackend) teardown() {
	b.mu.Lock()
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	if b.stdin != nil {
		_ = b.stdin.Close()
		b.stdin = nil
	}
	cmd := b.cmd
	readers := b.readers
	b.cmd = nil
	b.readers = nil
	b.mu.Unlock()

	if readers != nil {
		waited := make(chan struct{})
		go func() {
			_ = readers.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(time.Second):
			logging.BridgeError("timeout waiting for helper readers to exit")
		}
	}
	if cmd != nil {
		_ = cmd.Wait()
	}
}

func (b *VMBackend) requireRunning(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return &LifecycleError{Op: op, State: b.status}
	}
	return nil
}

// requireUnblocked rejects guest paths the profile's filesystem policy
// denies, before anything reaches the helper.
func (b *VMBackend) requireUnblocked(op, path string) error {
	b.mu.Lock()
	profile := b.profile
	b.mu.Unlock()
	if profile.PathBlocked(path) {
		return &BackendError{Backend: BackendVM, Op: op, Err: fmt.Errorf("path %s blocked by profile", path)}
	}
	return nil
}

func (b *VMBackend) execTimeout(opts ExecOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return b.cfg.CommandTimeout
}

type execResultPayload struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// Execute runs a command in the guest and returns the captured result.
func (b *VMBackend) Execute(ctx context.Context, command string, opts ExecOptions) (*ExecuteResult, error) {
	if err := b.requireRunning("execute"); err != nil {
		return nil, err
	}
	timeout := b.execTimeout(opts)
	frame, err := b.call(ctx, &helperRequest{
		Command: "execute",
		Params: helperParams{
			Cmd:       command,
			TimeoutMs: timeout.Milliseconds(),
			Cwd:       opts.Cwd,
			Env:       opts.Env,
		},
	}, timeout+5*time.Second)
	if err != nil {
		return nil, err
	}
	var payload execResultPayload
	if err := json.Unmarshal(frame.Result, &payload); err != nil {
		return nil, &BackendError{Backend: BackendVM, Op: "execute", Err: err}
	}
	return &ExecuteResult{
		Stdout:   payload.Stdout,
		Stderr:   payload.Stderr,
		ExitCode: payload.ExitCode,
		Duration: time.Duration(payload.DurationMs) * time.Millisecond,
	}, nil
}

// ExecuteStream runs a command with live output. A stream id is
// registered before the request goes out so frames arriving ahead of the
// response are never dropped.
func (b *VMBackend) ExecuteStream(ctx context.Context, command string, opts ExecOptions, onOutput StreamFunc) (int, error) {
	if err := b.requireRunning("execute"); err != nil {
		return -1, err
	}
	timeout := b.execTimeout(opts)

	streamID := uuid.NewString()
	b.mu.Lock()
	b.streams[streamID] = onOutput
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.streams, streamID)
		b.mu.Unlock()
	}()

	frame, err := b.call(ctx, &helperRequest{
		Command: "execute",
		Params: helperParams{
			Cmd:       command,
			TimeoutMs: timeout.Milliseconds(),
			Cwd:       opts.Cwd,
			Env:       opts.Env,
			StreamID:  streamID,
		},
	}, timeout+5*time.Second)
	if err != nil {
		return -1, err
	}
	var payload execResultPayload
	if err := json.Unmarshal(frame.Result, &payload); err != nil {
		return -1, &BackendError{Backend: BackendVM, Op: "execute", Err: err}
	}
	return payload.ExitCode, nil
}

// ListFiles enumerates a guest directory.
func (b *VMBackend) ListFiles(ctx context.Context, path string) ([]FileInfo, error) {
	if err := b.requireRunning("list files"); err != nil {
		return nil, err
	}
	if err := b.requireUnblocked("list files", path); err != nil {
		return nil, err
	}
	frame, err := b.call(ctx, &helperRequest{
		Command: "list_files",
		Params:  helperParams{Path: path},
	}, b.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Files []FileInfo `json:"files"`
	}
	if err := json.Unmarshal(frame.Result, &payload); err != nil {
		return nil, &BackendError{Backend: BackendVM, Op: "list files", Err: err}
	}
	return payload.Files, nil
}

// ReadFile retrieves guest file contents. The helper base64-encodes the
// payload so arbitrary bytes survive the JSON framing.
func (b *VMBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := b.requireRunning("read file"); err != nil {
		return nil, err
	}
	if err := b.requireUnblocked("read file", path); err != nil {
		return nil, err
	}
	frame, err := b.call(ctx, &helperRequest{
		Command: "read_file",
		Params:  helperParams{Path: path},
	}, b.cfg.CommandTimeout)
	if err != nil {
		var be *BackendError
		if asBackendError(err, &be) && be.Err.Error() == "not found" {
			return nil, &NotFoundError{Kind: "file", Name: path}
		}
		return nil, err
	}
	var payload struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(frame.Result, &payload); err != nil {
		return nil, &BackendError{Backend: BackendVM, Op: "read file", Err: err}
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, &BackendError{Backend: BackendVM, Op: "read file", Err: err}
	}
	return data, nil
}

// WriteFile places data at a guest path, creating parents.
func (b *VMBackend) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := b.requireRunning("write file"); err != nil {
		return err
	}
	if err := b.requireUnblocked("write file", path); err != nil {
		return err
	}
	_, err := b.call(ctx, &helperRequest{
		Command: "write_file",
		Params: helperParams{
			Path: path,
			Data: base64.StdEncoding.EncodeToString(data),
		},
	}, b.cfg.CommandTimeout)
	return err
}

// CopyIn transfers a host file into the guest.
func (b *VMBackend) CopyIn(ctx context.Context, hostPath, guestPath string) error {
	if err := b.requireRunning("copy in"); err != nil {
		return err
	}
	if err := b.requireUnblocked("copy in", guestPath); err != nil {
		return err
	}
	_, err := b.call(ctx, &helperRequest{
		Command: "copy_in",
		Params:  helperParams{Path: guestPath, HostPath: hostPath},
	}, b.cfg.CommandTimeout)
	return err
}

// CopyOut transfers a guest file to the host.
func (b *VMBackend) CopyOut(ctx context.Context, guestPath, hostPath string) error {
	if err := b.requireRunning("copy out"); err != nil {
		return err
	}
	if err := b.requireUnblocked("copy out", guestPath); err != nil {
		return err
	}
	_, err := b.call(ctx, &helperRequest{
		Command: "copy_out",
		Params:  helperParams{Path: guestPath, HostPath: hostPath},
	}, b.cfg.CommandTimeout)
	return err
}

// Status reports guest liveness and resource usage as the helper sees it.
func (b *VMBackend) Status(ctx context.Context) (*RuntimeStatus, error) {
	b.mu.Lock()
	running := b.status == StatusRunning
	startedAt := b.startedAt
	b.mu.Unlock()
	if !running {
		return &RuntimeStatus{Running: false}, nil
	}
	frame, err := b.call(ctx, &helperRequest{Command: "status"}, startupTimeout)
	if err != nil {
		return nil, err
	}
	var payload struct {
		CPUPercent    float64 `json:"cpu_percent"`
		MemoryPercent float64 `json:"memory_percent"`
	}
	if err := json.Unmarshal(frame.Result, &payload); err != nil {
		return nil, &BackendError{Backend: BackendVM, Op: "status", Err: err}
	}
	return &RuntimeStatus{
		Running:       true,
		CPUPercent:    payload.CPUPercent,
		MemoryPercent: payload.MemoryPercent,
		Uptime:        time.Since(startedAt),
	}, nil
}

// UpdateProfile forwards the patch to the helper, which decides what it
// can apply to a live VM. The helper's report is merged into local state.
func (b *VMBackend) UpdateProfile(ctx context.Context, patch ProfilePatch) (*UpdateReport, error) {
	if err := b.requireRunning("update profile"); err != nil {
		return nil, err
	}
	frame, err := b.call(ctx, &helperRequest{
		Command: "update_profile",
		Params:  helperParams{Patch: &patch},
	}, startupTimeout)
	if err != nil {
		return nil, err
	}
	var rep UpdateReport
	if err := json.Unmarshal(frame.Result, &rep); err != nil {
		return nil, &BackendError{Backend: BackendVM, Op: "update profile", Err: err}
	}

	b.mu.Lock()
	patch.Apply(&b.profile, nil)
	b.mu.Unlock()
	return &rep, nil
}

var _ Runtime = (*VMBackend)(nil)
var _ Runtime = (*ContainerBackend)(nil)
