package isolation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"vessel/internal/logging"
)

// Session is the record of one isolated work environment.
type Session struct {
	ID        string        `json:"id"`
	Backend   BackendKind   `json:"backend"`
	Profile   Profile       `json:"profile"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	StoppedAt time.Time     `json:"stopped_at,omitempty"`
}

// Controller binds one Runtime to one session and enforces the linear
// lifecycle: created, started, used, stopped. A stopped controller is
// finished; callers make a new one for the next session.
type Controller struct {
	runtime Runtime

	mu      sync.Mutex
	session Session
}

// NewController creates a session record around rt. Nothing starts until
// Start.
func NewController(rt Runtime, backend BackendKind, profile Profile) *Controller {
	c := &Controller{
		runtime: rt,
		session: Session{
			ID:        uuid.NewString(),
			Backend:   backend,
			Profile:   profile,
			Status:    StatusStopped,
			CreatedAt: time.Now(),
		},
	}
	rt.Subscribe(func(ev Event, sessionID, detail string) {
		c.onEvent(ev, detail)
	})
	return c
}

func (c *Controller) onEvent(ev Event, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev {
	case EventStarting:
		c.session.Status = StatusStarting
	case EventStarted:
		c.session.Status = StatusRunning
	case EventStopping:
		c.session.Status = StatusStopping
	case EventStopped:
		c.session.Status = StatusStopped
		c.session.StoppedAt = time.Now()
	case EventError:
		c.session.Status = StatusError
		logging.IsolationDebug("session %s error: %s", c.session.ID, detail)
	}
}

// Session returns a copy of the current session record.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Runtime exposes the bound runtime for command and file operations.
func (c *Controller) Runtime() Runtime { return c.runtime }

// Start boots the environment under this controller's session id.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	id := c.session.ID
	profile := c.session.Profile
	c.mu.Unlock()
	return c.runtime.Start(ctx, id, profile)
}

// Stop shuts the environment down gracefully, escalating to ForceStop
// when graceful shutdown fails.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.runtime.Stop(ctx); err != nil {
		if _, isLifecycle := err.(*LifecycleError); isLifecycle {
			return err
		}
		logging.Isolation("graceful stop failed (%v), forcing", err)
		return c.runtime.ForceStop(ctx)
	}
	return nil
}

// UpdateProfile patches the live profile and keeps the session record in
// step with what actually applied.
func (c *Controller) UpdateProfile(ctx context.Context, patch ProfilePatch) (*UpdateReport, error) {
	rep, err := c.runtime.UpdateProfile(ctx, patch)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	patch.Apply(&c.session.Profile, nil)
	c.mu.Unlock()
	return rep, nil
}

// RuntimeOptions configures NewRuntime.
type RuntimeOptions struct {
	EngineHost     string
	Image          string
	SkillsDir      string
	SessionDir     string
	HelperPath     string
	HelperArgs     []string
	CommandTimeout time.Duration
}

// NewRuntime resolves a backend by kind. Resolution happens here, once;
// everything downstream holds a Runtime and never re-dispatches.
func NewRuntime(kind BackendKind, opts RuntimeOptions) (Runtime, error) {
	switch kind {
	case BackendContainer:
		return NewContainerBackend(ContainerConfig{
			EngineHost:     opts.EngineHost,
			Image:          opts.Image,
			SkillsDir:      opts.SkillsDir,
			SessionDir:     opts.SessionDir,
			CommandTimeout: opts.CommandTimeout,
		})
	case BackendVM:
		return NewVMBackend(VMConfig{
			HelperPath:     opts.HelperPath,
			HelperArgs:     opts.HelperArgs,
			CommandTimeout: opts.CommandTimeout,
		})
	default:
		return nil, &ValidationError{Field: "backend", Reason: "unknown kind " + string(kind)}
	}
}
