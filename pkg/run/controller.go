// Package run owns run lifecycle: it validates submissions, creates the
// per-run workspace and scheduler, tracks run phase, fans out status
// events, and archives runs on deletion. It is the layer the RPC service
// and the local CLI both drive.
package run

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/artifact"
	"github.com/papforge/pap/pkg/scheduler"
)

// Controller supervises one run from submission to terminal phase. A
// recovered run has no scheduler; its job table and event history come
// from the persisted record.
type Controller struct {
	handle api.RunHandle
	spec   *api.PipelineSpec
	ws     *artifact.Workspace
	sched  *scheduler.Scheduler
	events *broadcaster
	logger *slog.Logger

	// onTerminal runs once the run reaches a terminal phase, after the
	// event stream has closed.
	onTerminal func()

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	phase       api.RunPhase
	errMsg      string
	submittedAt time.Time
	finishedAt  *time.Time
	archived    []api.JobSnapshot
}

func newController(handle api.RunHandle, spec *api.PipelineSpec, ws *artifact.Workspace, sched *scheduler.Scheduler, events *broadcaster, logger *slog.Logger) *Controller {
	c := &Controller{
		handle:      handle,
		spec:        spec,
		ws:          ws,
		sched:       sched,
		events:      events,
		logger:      logger.With("run", handle),
		done:        make(chan struct{}),
		phase:       api.PhaseSubmitted,
		submittedAt: time.Now().UTC(),
	}
	return c
}

// newArchivedController rebuilds a terminal run from its persisted record.
// The event history is republished so subscriptions replay with the
// original sequence numbers, then closed immediately.
func newArchivedController(spec *api.PipelineSpec, snap api.RunSnapshot, history []api.StatusEvent, ws *artifact.Workspace, logger *slog.Logger) *Controller {
	events := newBroadcaster()
	for _, ev := range history {
		events.publish(ev)
	}
	events.close()

	done := make(chan struct{})
	close(done)

	return &Controller{
		handle:      snap.Handle,
		spec:        spec,
		ws:          ws,
		events:      events,
		logger:      logger.With("run", snap.Handle),
		done:        done,
		phase:       snap.Phase,
		errMsg:      snap.Error,
		submittedAt: snap.SubmittedAt,
		finishedAt:  snap.FinishedAt,
		archived:    snap.Jobs,
	}
}

// start launches the run in the background. Execution is detached from the
// submitting request's context; only Cancel or process shutdown stops it.
func (c *Controller) start(base context.Context) {
	ctx, cancel := context.WithCancel(base)
	c.cancel = cancel

	c.setPhase(api.PhaseRunning, "")

	go func() {
		defer close(c.done)
		defer cancel()

		phase, err := c.sched.Run(ctx)
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		c.setPhase(phase, msg)
		c.events.close()
		if c.onTerminal != nil {
			c.onTerminal()
		}
		c.logger.Info("run finished", "phase", phase, "error", msg)
	}()
}

// setPhase records a phase transition and emits its event. Terminal phases
// are sticky.
func (c *Controller) setPhase(phase api.RunPhase, msg string) {
	c.mu.Lock()
	if c.phase.Terminal() {
		c.mu.Unlock()
		return
	}
	c.phase = phase
	c.errMsg = msg
	if phase.Terminal() {
		now := time.Now().UTC()
		c.finishedAt = &now
	}
	c.mu.Unlock()

	c.events.publish(api.StatusEvent{
		Time:    time.Now().UTC(),
		Type:    api.EventRunPhase,
		Run:     c.handle,
		Phase:   phase,
		Message: msg,
	})
}

// Snapshot returns the run's current state including every job and step.
func (c *Controller) Snapshot() api.RunSnapshot {
	c.mu.Lock()
	snap := api.RunSnapshot{
		Handle:      c.handle,
		Pipeline:    c.spec.Name,
		Phase:       c.phase,
		Error:       c.errMsg,
		SubmittedAt: c.submittedAt,
		FinishedAt:  c.finishedAt,
	}
	archived := c.archived
	c.mu.Unlock()
	if c.sched != nil {
		snap.Jobs = c.sched.Snapshot()
	} else {
		snap.Jobs = archived
	}
	return snap
}

// Phase returns the run's current phase.
func (c *Controller) Phase() api.RunPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Cancel requests cooperative termination. Idempotent; a terminal run is
// unaffected.
func (c *Controller) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Wait blocks until the run is terminal.
func (c *Controller) Wait() {
	<-c.done
}

// Events subscribes to the run's status stream, replaying history after
// afterSeq.
func (c *Controller) Events(afterSeq uint64) *Subscription {
	return c.events.subscribe(afterSeq)
}

// Workspace exposes the run's artifact namespace for fetch operations.
func (c *Controller) Workspace() *artifact.Workspace { return c.ws }
