package isolation

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// stubRuntime is a scriptable in-memory Runtime.
type stubRuntime struct {
	notifier
	running   bool
	stopErr   error
	forced    bool
	lastPatch *ProfilePatch
}

func (s *stubRuntime) Start(ctx context.Context, sessionID string, profile Profile) error {
	s.emit(EventStarting, sessionID, "")
	s.running = true
	s.emit(EventStarted, sessionID, "")
	return nil
}

func (s *stubRuntime) Stop(ctx context.Context) error {
	if s.stopErr != nil {
		return s.stopErr
	}
	s.emit(EventStopping, "", "")
	s.running = false
	s.emit(EventStopped, "", "")
	return nil
}

func (s *stubRuntime) ForceStop(ctx context.Context) error {
	s.forced = true
	s.emit(EventStopping, "", "")
	s.running = false
	s.emit(EventStopped, "", "")
	return nil
}

func (s *stubRuntime) Execute(ctx context.Context, command string, opts ExecOptions) (*ExecuteResult, error) {
	return &ExecuteResult{ExitCode: 0}, nil
}

func (s *stubRuntime) ExecuteStream(ctx context.Context, command string, opts ExecOptions, onOutput StreamFunc) (int, error) {
	return 0, nil
}

func (s *stubRuntime) ListFiles(ctx context.Context, path string) ([]FileInfo, error) {
	return nil, nil
}
func (s *stubRuntime) ReadFile(ctx context.Context, path string) ([]byte, error)   { return nil, nil }
func (s *stubRuntime) WriteFile(ctx context.Context, path string, d []byte) error  { return nil }
func (s *stubRuntime) CopyIn(ctx context.Context, hostPath, guestPath string) error  { return nil }
func (s *stubRuntime) CopyOut(ctx context.Context, guestPath, hostPath string) error { return nil }

func (s *stubRuntime) Status(ctx context.Context) (*RuntimeStatus, error) {
	return &RuntimeStatus{Running: s.running}, nil
}

func (s *stubRuntime) UpdateProfile(ctx context.Context, patch ProfilePatch) (*UpdateReport, error) {
	s.lastPatch = &patch
	return &UpdateReport{Applied: []string{"cpu_cores"}}, nil
}

func (s *stubRuntime) IsRunning() bool { return s.running }

func TestController_TracksLifecycle(t *testing.T) {
	rt := &stubRuntime{}
	profile, _ := ProfileByName(ProfileBalanced)
	c := NewController(rt, BackendContainer, profile)

	sess := c.Session()
	if sess.ID == "" {
		t.Fatal("session id not assigned")
	}
	if sess.Status != StatusStopped {
		t.Errorf("fresh session status = %s", sess.Status)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.Session().Status != StatusRunning {
		t.Errorf("status after start = %s", c.Session().Status)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	sess = c.Session()
	if sess.Status != StatusStopped {
		t.Errorf("status after stop = %s", sess.Status)
	}
	if sess.StoppedAt.IsZero() {
		t.Error("stopped time not recorded")
	}
}

func TestController_EscalatesToForceStop(t *testing.T) {
	rt := &stubRuntime{stopErr: fmt.Errorf("guest wedged")}
	profile, _ := ProfileByName(ProfileBalanced)
	c := NewController(rt, BackendVM, profile)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop should recover via force: %v", err)
	}
	if !rt.forced {
		t.Error("expected escalation to ForceStop")
	}
}

func TestController_LifecycleErrorNotEscalated(t *testing.T) {
	rt := &stubRuntime{stopErr: &LifecycleError{Op: "stop", State: StatusStopped}}
	profile, _ := ProfileByName(ProfileBalanced)
	c := NewController(rt, BackendVM, profile)

	err := c.Stop(context.Background())
	var lerr *LifecycleError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LifecycleError, got %v", err)
	}
	if rt.forced {
		t.Error("lifecycle violation must not trigger force stop")
	}
}

func TestController_UpdateProfileSyncsRecord(t *testing.T) {
	rt := &stubRuntime{}
	profile, _ := ProfileByName(ProfileBalanced)
	c := NewController(rt, BackendContainer, profile)

	cpus := 1
	if _, err := c.UpdateProfile(context.Background(), ProfilePatch{CPUCores: &cpus}); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if c.Session().Profile.CPUCores != 1 {
		t.Errorf("session record not updated: %+v", c.Session().Profile)
	}
	if rt.lastPatch == nil || rt.lastPatch.CPUCores == nil {
		t.Error("patch not forwarded to runtime")
	}
}

func TestNewRuntime_Dispatch(t *testing.T) {
	rt, err := NewRuntime(BackendContainer, RuntimeOptions{EngineHost: "unix:///var/run/docker.sock"})
	if err != nil {
		t.Fatalf("container runtime: %v", err)
	}
	if _, ok := rt.(*ContainerBackend); !ok {
		t.Errorf("expected ContainerBackend, got %T", rt)
	}

	rt, err = NewRuntime(BackendVM, RuntimeOptions{HelperPath: "/usr/libexec/vessel-helper"})
	if err != nil {
		t.Fatalf("vm runtime: %v", err)
	}
	if _, ok := rt.(*VMBackend); !ok {
		t.Errorf("expected VMBackend, got %T", rt)
	}

	if _, err := NewRuntime("chroot", RuntimeOptions{}); err == nil {
		t.Error("unknown backend should be rejected")
	}
}
