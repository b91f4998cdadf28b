package isolation

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"vessel/internal/logging"
)

// DefaultImage is the workspace image used when config names none.
const DefaultImage = "vessel-workspace:latest"

// defaultDockerfile bootstraps the workspace image when it is absent.
// Kept minimal: a shell, coreutils, and the runtimes agent tasks reach
// for most often.
const defaultDockerfile = `FROM debian:bookworm-slim
RUN apt-get update && apt-get install -y --no-install-recommends \
    bash coreutils curl ca-certificates git python3 \
    && rm -rf /var/lib/apt/lists/*
RUN useradd -m -s /bin/bash agent
WORKDIR /workspace
RUN chown agent:agent /workspace
USER agent
CMD ["sleep", "infinity"]
`

// guestWorkspace is the working directory inside the container.
const guestWorkspace = "/workspace"

// base64ExecLimit is the largest payload WriteFile pushes through an
// exec'd shell pipeline; bigger writes go through the archive endpoint.
const base64ExecLimit = 512 * 1024

// ContainerConfig configures a ContainerBackend.
type ContainerConfig struct {
	// EngineHost is the engine endpoint, unix:///var/run/docker.sock by
	// default.
	EngineHost string

	// Image is the workspace image tag. Built on first use if missing.
	Image string

	// SkillsDir is mounted read-only at /skills when set.
	SkillsDir string

	// SessionDir is mounted read-write at /workspace when set.
	SessionDir string

	// CommandTimeout is the default Execute deadline.
	CommandTimeout time.Duration
}

func (c *ContainerConfig) applyDefaults() {
	if c.EngineHost == "" {
		c.EngineHost = "unix:///var/run/docker.sock"
	}
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
}

// ContainerBackend realizes Runtime on the container engine API. One
// long-lived container per session, commands exec'd into it, files moved
// through the archive endpoints. State between commands persists for the
// life of the session.
type ContainerBackend struct {
	notifier

	cfg    ContainerConfig
	client *engineClient

	mu          sync.Mutex
	containerID string
	sessionID   string
	profile     Profile
	status      SessionStatus
	startedAt   time.Time
}

// NewContainerBackend dials the engine and returns an idle backend. No
// container exists until Start.
func NewContainerBackend(cfg ContainerConfig) (*ContainerBackend, error) {
	cfg.applyDefaults()
	client, err := newEngineClient(cfg.EngineHost)
	if err != nil {
		return nil, err
	}
	return &ContainerBackend{
		cfg:    cfg,
		client: client,
		status: StatusStopped,
	}, nil
}

func (b *ContainerBackend) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status == StatusRunning
}

// snapshot returns the container id under lock, or a LifecycleError when
// the session is not running.
func (b *ContainerBackend) snapshot(op string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return "", &LifecycleError{Op: op, State: b.status}
	}
	return b.containerID, nil
}

// Start provisions and boots the session container. Fails with a
// LifecycleError if a session is already live.
func (b *ContainerBackend) Start(ctx context.Context, sessionID string, profile Profile) error {
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
	b.mu.Unlock()

	b.emit(EventStarting, sessionID, "")
	logging.Isolation("starting container session %s (profile=%s image=%s)", sessionID, profile.Name, b.cfg.Image)

	fail := func(op string, err error) error {
		b.mu.Lock()
		b.status = StatusError
		b.mu.Unlock()
		b.emit(EventError, sessionID, err.Error())
		return &BackendError{Backend: BackendContainer, Op: op, Err: err}
	}

	if err := b.ensureImage(ctx); err != nil {
		return fail("ensure image", err)
	}

	id, err := b.createContainer(ctx, sessionID, profile)
	if err != nil {
		return fail("create container", err)
	}
	if err := b.client.callJSON(ctx, http.MethodPost, "/containers/"+id+"/start", nil, nil); err != nil {
		b.removeContainer(context.Background(), id, true)
		return fail("start container", err)
	}

	b.mu.Lock()
	b.containerID = id
	b.sessionID = sessionID
	b.profile = profile
	b.status = StatusRunning
	b.startedAt = time.Now()
	b.mu.Unlock()

	b.emit(EventStarted, sessionID, "")
	logging.Isolation("container session %s running (id=%s)", sessionID, shortID(id))
	return nil
}

func (b *ContainerBackend) createContainer(ctx context.Context, sessionID string, profile Profile) (string, error) {
	binds := []string{}
	if b.cfg.SkillsDir != "" {
		binds = append(binds, b.cfg.SkillsDir+":/skills:ro")
	}
	if b.cfg.SessionDir != "" {
		binds = append(binds, b.cfg.SessionDir+":"+guestWorkspace+":rw")
	}
	for _, p := range profile.SharedPaths {
		if profile.PathBlocked(p) {
			logging.Isolation("not binding %s: blocked by profile %s", p, profile.Name)
			continue
		}
		binds = append(binds, p+":"+joinGuestPath("/shared", filepath.Base(p))+":rw")
	}
	for _, p := range profile.ReadOnlyPaths {
		if profile.PathBlocked(p) {
			logging.Isolation("not binding %s: blocked by profile %s", p, profile.Name)
			continue
		}
		binds = append(binds, p+":"+joinGuestPath("/shared", filepath.Base(p))+":ro")
	}

	networkMode := "bridge"
	if !profile.NetworkEnabled {
		networkMode = "none"
	}

	hostConfig := map[string]interface{}{
		"Binds":       binds,
		"NanoCpus":    int64(profile.CPUCores) * 1_000_000_000,
		"Memory":      int64(profile.MemoryGB) << 30,
		"NetworkMode": networkMode,
		// Least privilege baseline: drop everything, add back only the
		// file ownership capabilities workspace writes need.
		"CapDrop":     []string{"ALL"},
		"CapAdd":      []string{"CHOWN", "DAC_OVERRIDE", "FOWNER"},
		"SecurityOpt": []string{"no-new-privileges"},
	}
	if profile.GPUEnabled {
		hostConfig["DeviceRequests"] = []map[string]interface{}{
			{"Driver": "nvidia", "Count": -1, "Capabilities": [][]string{{"gpu"}}},
		}
	}

	body := map[string]interface{}{
		"Image":      b.cfg.Image,
		"Cmd":        []string{"sleep", "infinity"},
		"WorkingDir": guestWorkspace,
		"Labels": map[string]string{
			"vessel.session": sessionID,
			"vessel.profile": profile.Name,
		},
		"HostConfig": hostConfig,
	}

	var created struct {
		Id string `json:"Id"`
	}
	name := url.QueryEscape("vessel-" + sessionID)
	if err := b.client.callJSON(ctx, http.MethodPost, "/containers/create?name="+name, body, &created); err != nil {
		return "", err
	}
	return created.Id, nil
}

// ensureImage checks the tag and runs a build from the embedded
// Dockerfile when the engine does not have it. Idempotent.
func (b *ContainerBackend) ensureImage(ctx context.Context) error {
	err := b.client.callJSON(ctx, http.MethodGet, "/images/"+url.PathEscape(b.cfg.Image)+"/json", nil, nil)
	if err == nil {
		return nil
	}
	var statusErr *engineStatusError
	if !asEngineStatus(err, &statusErr) || statusErr.Status != http.StatusNotFound {
		return err
	}

	logging.Isolation("image %s missing, building", b.cfg.Image)
	ctxTar, err := buildContext(defaultDockerfile)
	if err != nil {
		return err
	}
	resp, err := b.client.do(ctx, http.MethodPost, "/build?t="+url.QueryEscape(b.cfg.Image), ctxTar, "application/x-tar")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// The build endpoint streams progress JSON; drain it so the build
	// runs to completion before we return.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}
	return nil
}

func asEngineStatus(err error, target **engineStatusError) bool {
	for err != nil {
		if se, ok := err.(*engineStatusError); ok {
			*target = se
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

// Stop gracefully stops and removes the session container.
func (b *ContainerBackend) Stop(ctx context.Context) error {
	return b.stop(ctx, false)
}

// ForceStop kills the container without grace and removes it.
func (b *ContainerBackend) ForceStop(ctx context.Context) error {
	return b.stop(ctx, true)
}

func (b *ContainerBackend) stop(ctx context.Context, force bool) error {
	b.mu.Lock()
	if b.status != StatusRunning && !(force && b.status == StatusError) {
		state := b.status
		b.mu.Unlock()
		return &LifecycleError{Op: "stop", State: state}
	}
	id := b.containerID
	sessionID := b.sessionID
	b.status = StatusStopping
	b.mu.Unlock()

	b.emit(EventStopping, sessionID, "")

	var stopErr error
	if force {
		stopErr = b.client.callJSON(ctx, http.MethodPost, "/containers/"+id+"/kill", nil, nil)
	} else {
		stopErr = b.client.callJSON(ctx, http.MethodPost, "/containers/"+id+"/stop?t=10", nil, nil)
	}
	if rmErr := b.removeContainer(ctx, id, force); stopErr == nil {
		stopErr = rmErr
	}

	b.mu.Lock()
	b.status = StatusStopped
	b.containerID = ""
	b.mu.Unlock()
	b.emit(EventStopped, sessionID, "")
	logging.Isolation("container session %s stopped", sessionID)

	if stopErr != nil {
		return &BackendError{Backend: BackendContainer, Op: "stop", Err: stopErr}
	}
	return nil
}

func (b *ContainerBackend) removeContainer(ctx context.Context, id string, force bool) error {
	apiPath := "/containers/" + id
	if force {
		apiPath += "?force=1"
	}
	return b.client.callJSON(ctx, http.MethodDelete, apiPath, nil, nil)
}

// Execute runs command through the session shell and returns the
// captured result. The deadline comes from opts.Timeout, falling back to
// the backend default; on expiry the caller gets a TimeoutError while
// the command keeps running inside the container.
func (b *ContainerBackend) Execute(ctx context.Context, command string, opts ExecOptions) (*ExecuteResult, error) {
	var stdout, stderr bytes.Buffer
	start := time.Now()
	exitCode, err := b.exec(ctx, command, opts, &stdout, &stderr)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

// ExecuteStream runs command and forwards output chunks to onOutput as
// they arrive, returning the exit code once the command ends.
func (b *ContainerBackend) ExecuteStream(ctx context.Context, command string, opts ExecOptions, onOutput StreamFunc) (int, error) {
	stdout := &streamWriter{stream: StreamStdout, fn: onOutput}
	stderr := &streamWriter{stream: StreamStderr, fn: onOutput}
	return b.exec(ctx, command, opts, stdout, stderr)
}

func (b *ContainerBackend) exec(ctx context.Context, command string, opts ExecOptions, stdout, stderr io.Writer) (int, error) {
	id, err := b.snapshot("execute")
	if err != nil {
		return -1, err
	}
	if strings.TrimSpace(command) == "" {
		return -1, &ValidationError{Field: "command", Reason: "empty"}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cwd := opts.Cwd
	if cwd == "" {
		cwd = guestWorkspace
	}
	createBody := map[string]interface{}{
		"AttachStdout": true,
		"AttachStderr": true,
		"Cmd":          []string{"/bin/sh", "-c", command},
		"WorkingDir":   cwd,
		"Env":          opts.Env,
	}
	var created struct {
		Id string `json:"Id"`
	}
	if err := b.client.callJSON(ctx, http.MethodPost, "/containers/"+id+"/exec", createBody, &created); err != nil {
		return -1, b.wrapExecErr("exec create", timeout, ctx, err)
	}

	resp, err := b.client.do(ctx, http.MethodPost, "/exec/"+created.Id+"/start",
		strings.NewReader(`{"Detach":false,"Tty":false}`), "application/json")
	if err != nil {
		return -1, b.wrapExecErr("exec start", timeout, ctx, err)
	}
	demuxErr := demuxStream(resp.Body, stdout, stderr)
	resp.Body.Close()
	if demuxErr != nil {
		return -1, b.wrapExecErr("exec stream", timeout, ctx, demuxErr)
	}

	var inspect struct {
		ExitCode int  `json:"ExitCode"`
		Running  bool `json:"Running"`
	}
	if err := b.client.callJSON(ctx, http.MethodGet, "/exec/"+created.Id+"/json", nil, &inspect); err != nil {
		return -1, b.wrapExecErr("exec inspect", timeout, ctx, err)
	}
	return inspect.ExitCode, nil
}

// wrapExecErr maps context expiry to a TimeoutError and everything else
// to a BackendError.
func (b *ContainerBackend) wrapExecErr(op string, timeout time.Duration, ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &TimeoutError{Op: op, Timeout: timeout}
	}
	return &BackendError{Backend: BackendContainer, Op: op, Err: err}
}

// ListFiles enumerates one directory level inside the environment.
func (b *ContainerBackend) ListFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	if dir == "" {
		dir = guestWorkspace
	}
	cmd := fmt.Sprintf(`find %s -mindepth 1 -maxdepth 1 -printf '%%y\t%%s\t%%T@\t%%f\n'`, shellQuote(dir))
	res, err := b.Execute(ctx, cmd, ExecOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &NotFoundError{Kind: "directory", Name: dir}
	}
	return parseFindListing(dir, res.Stdout), nil
}

func parseFindListing(dir, out string) []FileInfo {
	files := []FileInfo{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) != 4 {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		epoch, _ := strconv.ParseFloat(parts[2], 64)
		files = append(files, FileInfo{
			Name:    parts[3],
			Path:    joinGuestPath(dir, parts[3]),
			Size:    size,
			IsDir:   parts[0] == "d",
			ModTime: time.Unix(int64(epoch), 0),
		})
	}
	return files
}

// ReadFile retrieves a file through the archive endpoint, preserving
// arbitrary bytes.
func (b *ContainerBackend) ReadFile(ctx context.Context, guestPath string) ([]byte, error) {
	id, err := b.snapshot("read file")
	if err != nil {
		return nil, err
	}
	resp, err := b.client.do(ctx, http.MethodGet,
		"/containers/"+id+"/archive?path="+url.QueryEscape(guestPath), nil, "")
	if err != nil {
		var statusErr *engineStatusError
		if asEngineStatus(err, &statusErr) && statusErr.Status == http.StatusNotFound {
			return nil, &NotFoundError{Kind: "file", Name: guestPath}
		}
		return nil, &BackendError{Backend: BackendContainer, Op: "read file", Err: err}
	}
	defer resp.Body.Close()
	data, err := extractSingleFile(resp.Body)
	if err != nil {
		return nil, &BackendError{Backend: BackendContainer, Op: "read file", Err: err}
	}
	return data, nil
}

// WriteFile places data at guestPath, creating parent directories. Small
// payloads go through an exec'd base64 pipeline; larger ones through the
// archive endpoint.
func (b *ContainerBackend) WriteFile(ctx context.Context, guestPath string, data []byte) error {
	if guestPath == "" {
		return &ValidationError{Field: "path", Reason: "empty"}
	}
	if len(data) <= base64ExecLimit {
		encoded := base64.StdEncoding.EncodeToString(data)
		cmd := fmt.Sprintf("mkdir -p %s && printf '%%s' %s | base64 -d > %s",
			shellQuote(pathDir(guestPath)), shellQuote(encoded), shellQuote(guestPath))
		res, err := b.Execute(ctx, cmd, ExecOptions{})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return &BackendError{Backend: BackendContainer, Op: "write file",
				Err: fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}
		}
		return nil
	}

	id, err := b.snapshot("write file")
	if err != nil {
		return err
	}
	if res, err := b.Execute(ctx, "mkdir -p "+shellQuote(pathDir(guestPath)), ExecOptions{}); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return &BackendError{Backend: BackendContainer, Op: "write file",
			Err: fmt.Errorf("mkdir exit %d", res.ExitCode)}
	}
	archive, err := singleFileTar(pathBase(guestPath), data, 0o644)
	if err != nil {
		return &BackendError{Backend: BackendContainer, Op: "write file", Err: err}
	}
	resp, err := b.client.do(ctx, http.MethodPut,
		"/containers/"+id+"/archive?path="+url.QueryEscape(pathDir(guestPath)),
		archive, "application/x-tar")
	if err != nil {
		return &BackendError{Backend: BackendContainer, Op: "write file", Err: err}
	}
	resp.Body.Close()
	return nil
}

// CopyIn transfers a host file into the environment.
func (b *ContainerBackend) CopyIn(ctx context.Context, hostPath, guestPath string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{Kind: "file", Name: hostPath}
		}
		return &BackendError{Backend: BackendContainer, Op: "copy in", Err: err}
	}
	return b.WriteFile(ctx, guestPath, data)
}

// CopyOut transfers a file from the environment to the host.
func (b *ContainerBackend) CopyOut(ctx context.Context, guestPath, hostPath string) error {
	data, err := b.ReadFile(ctx, guestPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
		return &BackendError{Backend: BackendContainer, Op: "copy out", Err: err}
	}
	if err := os.WriteFile(hostPath, data, 0o644); err != nil {
		return &BackendError{Backend: BackendContainer, Op: "copy out", Err: err}
	}
	return nil
}

// Status reports liveness plus resource usage sampled from the engine
// stats endpoint.
func (b *ContainerBackend) Status(ctx context.Context) (*RuntimeStatus, error) {
	b.mu.Lock()
	id := b.containerID
	running := b.status == StatusRunning
	startedAt := b.startedAt
	b.mu.Unlock()
	if !running {
		return &RuntimeStatus{Running: false}, nil
	}

	var stats struct {
		CPUStats struct {
			CPUUsage struct {
				TotalUsage uint64 `json:"total_usage"`
			} `json:"cpu_usage"`
			SystemUsage uint64 `json:"system_cpu_usage"`
			OnlineCPUs  uint32 `json:"online_cpus"`
		} `json:"cpu_stats"`
		PreCPUStats struct {
			CPUUsage struct {
				TotalUsage uint64 `json:"total_usage"`
			} `json:"cpu_usage"`
			SystemUsage uint64 `json:"system_cpu_usage"`
		} `json:"precpu_stats"`
		MemoryStats struct {
			Usage uint64 `json:"usage"`
			Limit uint64 `json:"limit"`
		} `json:"memory_stats"`
	}
	if err := b.client.callJSON(ctx, http.MethodGet, "/containers/"+id+"/stats?stream=false", nil, &stats); err != nil {
		return nil, &BackendError{Backend: BackendContainer, Op: "stats", Err: err}
	}

	st := &RuntimeStatus{Running: true, Uptime: time.Since(startedAt)}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta > 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		st.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	if stats.MemoryStats.Limit > 0 {
		st.MemoryPercent = float64(stats.MemoryStats.Usage) / float64(stats.MemoryStats.Limit) * 100
	}
	return st, nil
}

// UpdateProfile applies the patch to the session profile. CPU and memory
// limits change live through the engine's update endpoint; network and
// mount changes take effect after a restart.
func (b *ContainerBackend) UpdateProfile(ctx context.Context, patch ProfilePatch) (*UpdateReport, error) {
	b.mu.Lock()
	if b.status != StatusRunning {
		state := b.status
		b.mu.Unlock()
		return nil, &LifecycleError{Op: "update profile", State: state}
	}
	id := b.containerID
	rep := patch.Apply(&b.profile, map[string]bool{
		"cpu_cores":      true,
		"memory_gb":      true,
		"clipboard_sync": true,
	})
	profile := b.profile
	b.mu.Unlock()

	if containsField(rep.Applied, "cpu_cores") || containsField(rep.Applied, "memory_gb") {
		body := map[string]interface{}{
			"NanoCpus": int64(profile.CPUCores) * 1_000_000_000,
			"Memory":   int64(profile.MemoryGB) << 30,
		}
		if err := b.client.callJSON(ctx, http.MethodPost, "/containers/"+id+"/update", body, nil); err != nil {
			return nil, &BackendError{Backend: BackendContainer, Op: "update", Err: err}
		}
	}
	return rep, nil
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func pathDir(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func pathBase(p string) string {
	i := strings.LastIndex(p, "/")
	return p[i+1:]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
