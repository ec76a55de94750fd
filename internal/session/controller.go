package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/probelab/netdash/internal/aggregate"
	"github.com/probelab/netdash/internal/errors"
	"github.com/probelab/netdash/internal/logging"
	"github.com/probelab/netdash/internal/metrics"
	"github.com/probelab/netdash/internal/progress"
	"github.com/probelab/netdash/internal/record"
)

const defaultTickInterval = 500 * time.Millisecond

// PushChannel is the persistent connection delivering asynchronous named
// events from the probing agent. Subscribe opens the tool's event stream
// for one session and returns the event channel plus its release func; the
// channel closes when the stream ends or the connection drops. Release is
// idempotent and must be called on every exit path.
type PushChannel interface {
	Connected() bool
	Subscribe(sessionID string, spec ScanSpec) (<-chan record.StreamEvent, func(), error)
}

// PullClient is the stateless request/response fallback. Fetch issues one
// request carrying the scan spec and returns the full result payload,
// shaped identically to the push channel's completed result.
type PullClient interface {
	Fetch(ctx context.Context, sessionID string, spec ScanSpec) (*record.BatchResult, error)
}

// Update is the re-render signal emitted to consumers after every state
// change: a session snapshot plus the current record count.
type Update struct {
	Tool        ToolKind `json:"tool"`
	Session     Session  `json:"session"`
	RecordCount int      `json:"record_count"`
}

// Controller owns the one live session of a tool instance. It is the sole
// mutator of session state: every incoming event is applied in a single
// critical section, snapshots are copies, and late events carrying a stale
// session id are discarded rather than raced against cancellation.
type Controller struct {
	tool     ToolKind
	push     PushChannel
	pull     PullClient
	guard    RateLimitGuard
	logger   *logging.Logger
	metrics  *metrics.Registry
	clock    func() time.Time
	tick     time.Duration
	onUpdate func(Update)

	mu       sync.RWMutex
	session  Session
	records  []record.Record
	declared time.Duration
	lastIn   progress.Input

	// Per-run resources, released exactly once per run.
	unsub      func()
	cancelPull context.CancelFunc
	tickStop   chan struct{}
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Push         PushChannel
	Pull         PullClient
	Guard        RateLimitGuard
	Logger       *logging.Logger
	Metrics      *metrics.Registry
	TickInterval time.Duration
	OnUpdate     func(Update)
	// Clock is overridable for tests.
	Clock func() time.Time
}

// NewController creates a controller for one tool instance, starting Idle.
func NewController(tool ToolKind, opts ControllerOptions) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	return &Controller{
		tool:     tool,
		push:     opts.Push,
		pull:     opts.Pull,
		guard:    opts.Guard,
		logger:   logger.WithTool(string(tool)),
		metrics:  opts.Metrics,
		clock:    clock,
		tick:     tick,
		onUpdate: opts.OnUpdate,
		session:  Session{Tool: tool, Status: StatusIdle},
	}
}

// Session returns a snapshot of the current session.
func (c *Controller) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Records returns a copy of the current deduplicated record list.
func (c *Controller) Records() []record.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]record.Record, len(c.records))
	copy(out, c.records)
	return out
}

// Devices returns the aggregated per-device view derived from the current
// records. Recomputed on demand; equal record sets yield equal output.
func (c *Controller) Devices() []aggregate.Device {
	return aggregate.FromRecords(c.Records())
}

// Start begins a new session for the spec. A spec failing validation is
// rejected before any network call and the existing session is untouched.
// Any prior non-terminal session is cancelled first; the new session always
// gets a fresh id, and events still in flight for the old id are discarded
// by the id fence.
func (c *Controller) Start(spec ScanSpec) (Session, error) {
	spec.Tool = c.tool
	if err := spec.Validate(); err != nil {
		c.logger.Warn("rejecting scan spec", "error", err)
		return c.Session(), err
	}

	c.mu.Lock()
	var releases []func()
	if !c.session.Status.Terminal() && c.session.Status != StatusIdle {
		releases = append(releases, c.terminalLocked(StatusCancelled, "", 0))
	}

	id := uuid.NewString()
	c.session = Session{
		ID:        id,
		Tool:      c.tool,
		Status:    StatusStarting,
		Target:    spec.Target,
		StartedAt: c.clock().UTC(),
	}
	c.records = nil
	c.declared = spec.Duration
	c.lastIn = progress.Input{DeclaredDuration: spec.Duration}

	usePush := c.push != nil && c.push.Connected()
	snap := c.session
	upd := c.updateLocked()
	c.mu.Unlock()

	for _, release := range releases {
		release()
	}
	if c.metrics != nil {
		c.metrics.SessionStarted(string(c.tool))
	}
	c.logger.InfoSession("session starting", id, "target", spec.Target, "push", usePush)

	if usePush {
		events, unsub, err := c.push.Subscribe(id, spec)
		if err != nil {
			c.logger.ErrorTransport("push subscribe failed, falling back to pull", err)
			c.startPull(id, spec)
		} else {
			c.mu.Lock()
			if c.session.ID == id && !c.session.Status.Terminal() {
				c.unsub = unsub
				c.mu.Unlock()
				go c.runPush(id, spec, events)
			} else {
				// Superseded or cancelled between subscribe and
				// registration; the terminal path already ran with a nil
				// unsub, so release here.
				c.mu.Unlock()
				unsub()
			}
		}
	} else {
		c.startPull(id, spec)
	}

	c.emit(upd)
	return snap, nil
}

// Cancel aborts the in-flight session. Legal from Starting and Running
// only. Already-accumulated records are retained for display.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if c.session.Status != StatusStarting && c.session.Status != StatusRunning {
		c.mu.Unlock()
		return errors.NewSessionErrorWithTool(errors.CodeSessionUnknown,
			"no cancellable session", string(c.tool))
	}
	id := c.session.ID
	release := c.terminalLocked(StatusCancelled, "", 0)
	upd := c.updateLocked()
	c.mu.Unlock()

	release()
	c.logger.InfoSession("session cancelled", id)
	c.emit(upd)
	return nil
}

// Close tears the controller down, cancelling any active session so the
// push subscription is never left dangling after component teardown.
func (c *Controller) Close() {
	_ = c.Cancel()
}

// startPull issues the single pull request for the session.
func (c *Controller) startPull(id string, spec ScanSpec) {
	if c.pull == nil {
		c.failSession(id, 0, "no transport available")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.session.ID != id {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancelPull = cancel
	c.mu.Unlock()
	go c.runPull(ctx, id, spec)
}

// runPush consumes the subscription until a terminal event. A stream that
// closes mid-session without a terminal event is a transport failure, not a
// scan failure: the controller falls back to the pull path for the same
// session, keeping the partial accumulation until the authoritative batch
// replaces it.
func (c *Controller) runPush(id string, spec ScanSpec, events <-chan record.StreamEvent) {
	for ev := range events {
		if done := c.apply(id, ev); done {
			return
		}
	}

	c.mu.RLock()
	current := c.session.ID == id && !c.session.Status.Terminal()
	c.mu.RUnlock()
	if !current {
		return
	}
	c.logger.WithSession(id).Warn("push stream closed mid-session, falling back to pull")
	if c.metrics != nil {
		c.metrics.PushReconnect()
	}
	c.startPull(id, spec)
}

// runPull performs the single-shot request and applies its result as one
// batch-replace fold. No progress events exist on this path.
func (c *Controller) runPull(ctx context.Context, id string, spec ScanSpec) {
	result, err := c.pull.Fetch(ctx, id, spec)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by the session teardown; the state machine has
			// already moved on.
			return
		}
		if c.metrics != nil {
			c.metrics.PullRequest("error")
		}
		c.failSession(id, errors.StatusCode(err), err.Error())
		return
	}
	if c.metrics != nil {
		c.metrics.PullRequest("ok")
	}
	c.completeSession(id, result)
}

// apply folds one normalized stream event into the session. Returns true
// when the run goroutine should stop: terminal state reached or the session
// was superseded.
func (c *Controller) apply(id string, ev record.StreamEvent) bool {
	c.mu.Lock()

	if c.session.ID != id || c.session.Status.Terminal() {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.EventDiscarded("stale")
		}
		return true
	}
	if ev.SessionID != "" && ev.SessionID != id {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.EventDiscarded("stale")
		}
		return false
	}

	var release func()
	done := false

	switch ev.Kind {
	case record.StreamStarted:
		c.session.Status = StatusRunning
		if ev.TotalUnits > 0 {
			c.session.TotalUnits = ev.TotalUnits
			c.lastIn.TotalCount = ev.TotalUnits
		}
		if ev.DeclaredDuration > 0 {
			c.declared = ev.DeclaredDuration
			c.lastIn.DeclaredDuration = ev.DeclaredDuration
		}
		if c.declared > 0 && c.tool.fixedDuration() {
			c.startTickerLocked(id)
		}

	case record.StreamFound:
		c.records = record.Fold(c.records, record.Found(ev.Record))
		if c.metrics != nil {
			c.metrics.EventFolded(string(c.tool))
		}

	case record.StreamProgress:
		c.lastIn = progress.Input{
			Elapsed:          c.clock().Sub(c.session.StartedAt),
			ReportedPercent:  ev.ReportedPercent,
			ScannedCount:     ev.ScannedCount,
			TotalCount:       ev.TotalCount,
			DeclaredDuration: c.declared,
		}
		if ev.TotalCount == 0 {
			c.lastIn.TotalCount = c.session.TotalUnits
		}
		c.session.Progress = progress.Estimate(c.lastIn)
		c.session.CompletedUnits = ev.ScannedCount
		if ev.TotalCount > 0 {
			c.session.TotalUnits = ev.TotalCount
		}

	case record.StreamCompleted:
		c.adoptBatchLocked(ev.Result)
		release = c.terminalLocked(StatusCompleted, "", 0)
		done = true

	case record.StreamFailed:
		status, cooldown := c.guard.Classify(ev.StatusCode, ev.ErrorMessage)
		release = c.terminalLocked(status, ev.ErrorMessage, cooldown)
		done = true

	default:
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.EventDiscarded("unknown")
		}
		logging.Debug("dropping stream event with unknown kind", "kind", string(ev.Kind))
		return false
	}

	upd := c.updateLocked()
	c.mu.Unlock()

	if release != nil {
		release()
	}
	c.emit(upd)
	return done
}

// completeSession applies an authoritative batch result (pull path).
func (c *Controller) completeSession(id string, result *record.BatchResult) {
	c.mu.Lock()
	if c.session.ID != id || c.session.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.adoptBatchLocked(result)
	release := c.terminalLocked(StatusCompleted, "", 0)
	upd := c.updateLocked()
	c.mu.Unlock()

	release()
	c.emit(upd)
}

// failSession records a terminal failure, classified through the guard.
func (c *Controller) failSession(id string, statusCode int, message string) {
	c.mu.Lock()
	if c.session.ID != id || c.session.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	status, cooldown := c.guard.Classify(statusCode, message)
	release := c.terminalLocked(status, message, cooldown)
	upd := c.updateLocked()
	c.mu.Unlock()

	release()
	c.emit(upd)
}

// adoptBatchLocked replaces the incremental accumulation with the
// authoritative batch. Mutators hold c.mu.
func (c *Controller) adoptBatchLocked(result *record.BatchResult) {
	if result == nil {
		return
	}
	c.records = record.Fold(c.records, record.BatchReplace(result.Records))
	if c.session.TotalUnits == 0 {
		c.session.TotalUnits = len(c.records)
	}
	c.session.CompletedUnits = c.session.TotalUnits
}

// terminalLocked moves the session to a terminal state, freezes progress,
// and returns the resource release func to run outside the lock. The
// release pairs every subscribe with exactly one unsubscribe and fires on
// completion, failure, cancellation, supersede, and teardown alike.
func (c *Controller) terminalLocked(status Status, errMsg string, cooldown time.Duration) func() {
	elapsed := c.clock().Sub(c.session.StartedAt)
	c.session.Status = status
	c.session.Error = errMsg
	if cooldown > 0 {
		c.session.CooldownSeconds = cooldown.Seconds()
	}
	if status == StatusCompleted {
		c.session.Progress = progress.Completed(elapsed, c.session.CompletedUnits, c.session.TotalUnits)
	} else {
		c.session.Progress = progress.Frozen(c.session.Progress, elapsed)
	}

	unsub := c.unsub
	cancelPull := c.cancelPull
	tickStop := c.tickStop
	c.unsub = nil
	c.cancelPull = nil
	c.tickStop = nil

	id := c.session.ID
	tool := string(c.tool)
	return func() {
		if unsub != nil {
			unsub()
		}
		if cancelPull != nil {
			cancelPull()
		}
		if tickStop != nil {
			close(tickStop)
		}
		if c.metrics != nil {
			c.metrics.SessionTerminal(tool, string(status), elapsed)
		}
		c.logger.InfoSession("session terminal", id, "status", string(status), "error", errMsg)
	}
}

// startTickerLocked starts the elapsed-time progress ticker used by
// fixed-duration scans, which report no unit counts.
func (c *Controller) startTickerLocked(id string) {
	if c.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	c.tickStop = stop

	go func() {
		ticker := time.NewTicker(c.tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				if c.session.ID != id || c.session.Status != StatusRunning {
					c.mu.Unlock()
					return
				}
				c.lastIn.Elapsed = c.clock().Sub(c.session.StartedAt)
				c.session.Progress = progress.Estimate(c.lastIn)
				upd := c.updateLocked()
				c.mu.Unlock()
				c.emit(upd)
			}
		}
	}()
}

// updateLocked builds the re-render signal. Callers hold c.mu.
func (c *Controller) updateLocked() Update {
	return Update{
		Tool:        c.tool,
		Session:     c.session,
		RecordCount: len(c.records),
	}
}

func (c *Controller) emit(upd Update) {
	if c.onUpdate != nil {
		c.onUpdate(upd)
	}
}
