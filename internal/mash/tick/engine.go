// Package tick drives the world clock. One tick runs every 10 seconds as a
// single critical section under the global writer lock; it advances the tick
// counter, reaps idle agents, fires the world's "tick" interactions, drains
// the deferred action queue, sweeps stale events, and releases every
// long-poll waiter.
package tick

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mashworld/mash/internal/mash/actions"
	"github.com/mashworld/mash/internal/mash/dsl"
	"github.com/mashworld/mash/internal/mash/store"
)

// Timing constants, in milliseconds.
const (
	IntervalMS = 10_000
	// IdleTimeoutMS is how long an agent may stay silent before being moved
	// to limbo.
	IdleTimeoutMS = 300_000
	// EventTTLMS is how long an undelivered event survives before the
	// garbage-collection phase drops it.
	EventTTLMS = 600_000
)

// Engine runs the tick loop.
type Engine struct {
	store  *store.Store
	eval   *dsl.Evaluator
	logger *slog.Logger
	rand   *rand.Rand
	now    func() time.Time

	// mu is the global writer lock, shared with the request handlers so a
	// tick never interleaves with a mutating request.
	mu *sync.Mutex

	waiterMu sync.Mutex
	waiters  []chan struct{}
}

// New creates an engine. mu must be the same mutex the transport acquires
// around mutating requests.
func New(s *store.Store, logger *slog.Logger, rng *rand.Rand, mu *sync.Mutex) *Engine {
	return &Engine{
		store:  s,
		eval:   dsl.New(s, logger),
		logger: logger.With("component", "tick"),
		rand:   rng,
		now:    time.Now,
		mu:     mu,
	}
}

// Run ticks at the fixed interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(IntervalMS * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunTick(ctx); err != nil {
				e.logger.ErrorContext(ctx, "tick failed", "error", err)
			}
		}
	}
}

// RunTick executes one full tick. It is exported so tests and the server's
// startup path can advance the world without waiting for the timer.
func (e *Engine) RunTick(ctx context.Context) error {
	e.mu.Lock()
	err := e.runLocked(ctx)
	e.mu.Unlock()

	// Phase 6 runs after the lock is released so woken waiters can read the
	// committed tick immediately.
	e.releaseWaiters()
	return err
}

func (e *Engine) runLocked(ctx context.Context) error {
	start := e.now()
	nowMS := start.UnixMilli()

	// Phase 1: advance counters.
	tickNum, _, err := e.store.TickState(ctx)
	if err != nil {
		return err
	}
	tickNum++
	if err := e.store.SetTickState(ctx, tickNum, nowMS); err != nil {
		return err
	}
	if err := e.store.ResetAllAP(ctx, actions.MaxAP); err != nil {
		return err
	}
	if err := e.store.ResetInteractionCounters(ctx); err != nil {
		return err
	}

	// Phase 2: idle reaping.
	e.reapIdle(ctx, nowMS-IdleTimeoutMS)

	// Phase 3: world tick.
	e.fireWorldTick(ctx)

	// Phase 4: queue drain.
	e.drainQueue(ctx, tickNum)

	// Phase 5: garbage collection.
	if n, err := e.store.DeleteEventsBefore(ctx, nowMS-EventTTLMS); err != nil {
		e.logger.WarnContext(ctx, "event gc failed", "error", err)
	} else if n > 0 {
		e.logger.DebugContext(ctx, "swept stale events", "count", n)
	}

	e.logger.DebugContext(ctx, "tick complete",
		"tick", tickNum, "elapsed", e.now().Sub(start))
	return nil
}

// reapIdle moves long-silent agents to limbo. They re-enter at home on their
// next authenticated request.
func (e *Engine) reapIdle(ctx context.Context, cutoff int64) {
	idle, err := e.store.IdleAgents(ctx, cutoff)
	if err != nil {
		e.logger.WarnContext(ctx, "idle reaping failed", "error", err)
		return
	}
	for _, a := range idle {
		if err := e.store.SetAgentNode(ctx, a.ID, ""); err != nil {
			e.logger.WarnContext(ctx, "failed to reap agent", "agent", a.ID, "error", err)
			continue
		}
		if _, err := e.store.AppendEvent(ctx, a.ID, store.EventSystem, map[string]any{
			"message": "you drift out of the world; act again to return home",
		}); err != nil {
			e.logger.WarnContext(ctx, "failed to notify reaped agent", "agent", a.ID, "error", err)
		}
	}
}

// fireWorldTick fires "tick" on every live instance directly contained in an
// occupied node, in creation order. A failing rule is logged and skipped; the
// phase never aborts.
func (e *Engine) fireWorldTick(ctx context.Context) {
	nodeIDs, err := e.store.OccupiedNodeIDs(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "world tick enumeration failed", "error", err)
		return
	}
	for _, nodeID := range nodeIDs {
		contents, err := e.store.InstancesIn(ctx, store.ContainerInstance, nodeID)
		if err != nil {
			e.logger.WarnContext(ctx, "world tick node read failed", "node", nodeID, "error", err)
			continue
		}
		for _, inst := range contents {
			if _, err := e.eval.Fire(ctx, inst, "tick", nil, nil); err != nil {
				e.logger.WarnContext(ctx, "world tick rule failed",
					"node", nodeID, "instance", inst.ID, "error", err)
			}
		}
	}
}

// drainQueue executes every due action in ordinal order. Each entry runs in
// its own transaction and produces an action_result event; handler failures
// are captured in the result, never propagated.
func (e *Engine) drainQueue(ctx context.Context, tickNum int64) {
	entries, err := e.store.DueActions(ctx, tickNum)
	if err != nil {
		e.logger.WarnContext(ctx, "queue read failed", "error", err)
		return
	}
	for _, entry := range entries {
		result := e.runQueued(ctx, entry)
		if result != nil {
			if _, err := e.store.AppendEvent(ctx, entry.AgentID, store.EventActionResult, map[string]any{
				"action":    entry.Verb,
				"action_id": entry.Ordinal,
				"result":    result,
			}); err != nil {
				e.logger.WarnContext(ctx, "failed to deliver action result",
					"ordinal", entry.Ordinal, "error", err)
			}
		}
		if err := e.store.DeleteAction(ctx, entry.Ordinal); err != nil {
			e.logger.WarnContext(ctx, "failed to delete queue entry",
				"ordinal", entry.Ordinal, "error", err)
		}
	}
}

// runQueued executes one queue entry in its own transaction. The transaction
// commits even when the handler reports an error result: effects that ran
// before a refusal (a broadcast before a deny) must survive. A nil return
// means the entry is dropped without a result event (agent gone or in limbo).
func (e *Engine) runQueued(ctx context.Context, entry *store.QueueEntry) actions.Result {
	var params map[string]any
	if err := json.Unmarshal(entry.Params, &params); err != nil {
		return actions.Result{"error": "malformed action parameters"}
	}

	var result actions.Result
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		agent, err := tx.GetAgent(ctx, entry.AgentID)
		if err != nil || !agent.CurrentNodeID.Valid {
			return nil
		}
		handler := actions.New(tx, dsl.New(tx, e.logger), e.logger, e.rand)
		result = handler.Queued(ctx, agent, entry.Verb, params)
		return nil
	})
	if err != nil {
		e.logger.WarnContext(ctx, "queued action transaction failed",
			"ordinal", entry.Ordinal, "verb", entry.Verb, "error", err)
		return actions.Result{"error": "internal error"}
	}
	return result
}

// --- Long-poll waiters ---

// Wait parks the caller until the next tick completes, the interval-length
// cap elapses, or the context is cancelled.
func (e *Engine) Wait(ctx context.Context) {
	ch := make(chan struct{})
	e.waiterMu.Lock()
	e.waiters = append(e.waiters, ch)
	e.waiterMu.Unlock()

	timer := time.NewTimer(IntervalMS * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// releaseWaiters wakes every parked waiter. The set is cleared wholesale, so
// stale entries cannot accumulate past one interval.
func (e *Engine) releaseWaiters() {
	e.waiterMu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.waiterMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// NextTickInMS computes the envelope's countdown: time remaining until the
// next tick boundary, clamped at zero.
func NextTickInMS(lastTickAt, nowMS int64) int64 {
	remaining := lastTickAt + IntervalMS - nowMS
	if remaining < 0 {
		return 0
	}
	return remaining
}
