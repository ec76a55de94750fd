package session

import (
	"sync"
	"time"

	"github.com/probelab/netdash/internal/aggregate"
	"github.com/probelab/netdash/internal/errors"
	"github.com/probelab/netdash/internal/logging"
	"github.com/probelab/netdash/internal/metrics"
	"github.com/probelab/netdash/internal/record"
)

// Engine owns one Controller per tool instance and is the surface both the
// CLI and the HTTP API drive. The transport connection behind the push
// channel is process-wide and shared by every controller.
type Engine struct {
	opts EngineOptions

	mu          sync.Mutex
	controllers map[ToolKind]*Controller
}

// EngineOptions configures an Engine and its controllers.
type EngineOptions struct {
	Push         PushChannel
	Pull         PullClient
	Logger       *logging.Logger
	Metrics      *metrics.Registry
	Cooldown     time.Duration
	TickInterval time.Duration
	OnUpdate     func(Update)
	Clock        func() time.Time
}

// NewEngine creates an engine with lazily constructed controllers.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Engine{
		opts:        opts,
		controllers: make(map[ToolKind]*Controller),
	}
}

// Controller returns the controller for a tool, creating it on first use.
func (e *Engine) Controller(tool ToolKind) *Controller {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.controllers[tool]; ok {
		return c
	}
	c := NewController(tool, ControllerOptions{
		Push:         e.opts.Push,
		Pull:         e.opts.Pull,
		Guard:        NewRateLimitGuard(e.opts.Cooldown),
		Logger:       e.opts.Logger,
		Metrics:      e.opts.Metrics,
		TickInterval: e.opts.TickInterval,
		OnUpdate:     e.opts.OnUpdate,
		Clock:        e.opts.Clock,
	})
	e.controllers[tool] = c
	return c
}

// Start validates the spec and begins a session on the spec's tool.
func (e *Engine) Start(spec ScanSpec) (Session, error) {
	if !spec.Tool.Valid() {
		return Session{}, errors.NewSessionError(errors.CodeValidation, "unknown tool")
	}
	return e.Controller(spec.Tool).Start(spec)
}

// Cancel aborts the tool's in-flight session.
func (e *Engine) Cancel(tool ToolKind) error {
	if !tool.Valid() {
		return errors.NewSessionError(errors.CodeValidation, "unknown tool")
	}
	return e.Controller(tool).Cancel()
}

// Session returns the tool's current session snapshot.
func (e *Engine) Session(tool ToolKind) Session {
	return e.Controller(tool).Session()
}

// Records returns the tool's current deduplicated record list.
func (e *Engine) Records(tool ToolKind) []record.Record {
	return e.Controller(tool).Records()
}

// Devices returns the aggregated device view for discovery tools.
func (e *Engine) Devices(tool ToolKind) []aggregate.Device {
	return e.Controller(tool).Devices()
}

// Sessions returns a snapshot of every instantiated tool's session.
func (e *Engine) Sessions() map[ToolKind]Session {
	e.mu.Lock()
	controllers := make([]*Controller, 0, len(e.controllers))
	for _, c := range e.controllers {
		controllers = append(controllers, c)
	}
	e.mu.Unlock()

	out := make(map[ToolKind]Session, len(controllers))
	for _, c := range controllers {
		snap := c.Session()
		out[snap.Tool] = snap
	}
	return out
}

// Close cancels every active session, guaranteeing subscription release on
// teardown.
func (e *Engine) Close() {
	e.mu.Lock()
	controllers := make([]*Controller, 0, len(e.controllers))
	for _, c := range e.controllers {
		controllers = append(controllers, c)
	}
	e.mu.Unlock()

	for _, c := range controllers {
		c.Close()
	}
}
