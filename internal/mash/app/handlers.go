package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mashworld/mash/common/trace"
	"github.com/mashworld/mash/common/version"
	"github.com/mashworld/mash/internal/mash/actions"
	"github.com/mashworld/mash/internal/mash/auth"
	"github.com/mashworld/mash/internal/mash/store"
	"github.com/mashworld/mash/internal/mash/tick"
)

// maxEnvelopeEvents caps how many backlog events one response drains.
const maxEnvelopeEvents = 200

// envelopeInfo is the info half of every authenticated response.
type envelopeInfo struct {
	Tick                int64           `json:"tick"`
	NextTickInMS        int64           `json:"next_tick_in_ms"`
	AP                  int             `json:"ap"`
	PurchasedAPThisTick int             `json:"purchased_ap_this_tick"`
	Events              []envelopeEvent `json:"events"`
}

type envelopeEvent struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type envelope struct {
	Info   envelopeInfo `json:"info"`
	Result any          `json:"result"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// authedHandler runs with the agent already resolved from the bearer token.
type authedHandler func(w http.ResponseWriter, r *http.Request, agent *store.Agent)

// authed wraps a handler with trace-ID injection and bearer authentication.
func (a *App) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := trace.WithTraceID(r.Context(), trace.GenerateID())
		r = r.WithContext(ctx)

		// Authentication can wake a limbo agent, which is a mutation: it
		// must not land in the middle of a tick.
		token := bearerToken(r)
		a.mu.Lock()
		agent, err := a.auth.Authenticate(ctx, token)
		a.mu.Unlock()
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing or invalid token"})
			return
		}
		next(w, r, agent)
	}
}

// limited applies the per-IP rate limit to unauthenticated endpoints.
func (a *App) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.authLimit.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many requests"})
			return
		}
		next(w, r)
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	tickNum, _, err := a.store.TickState(r.Context())
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     version.Version,
		"tick_number": tickNum,
		"uptime":      time.Since(a.startedAt).Seconds(),
	})
}

func (a *App) handleSignup(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if !decodeBody(w, r, &creds) {
		return
	}
	a.mu.Lock()
	agent, err := a.auth.Signup(r.Context(), creds.Username, creds.Password)
	a.mu.Unlock()
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":     agent.ID,
		"token":        agent.Token,
		"home_node_id": agent.HomeNodeID,
	})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if !decodeBody(w, r, &creds) {
		return
	}
	a.mu.Lock()
	agent, err := a.auth.Login(r.Context(), creds.Username, creds.Password)
	a.mu.Unlock()
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agent.ID,
		"token":    agent.Token,
	})
}

func (a *App) handlePoll(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	a.respondEnveloped(w, r, agent.ID, map[string]any{})
}

// handleWait parks the request until the next tick completes or the
// wall-clock cap elapses, then answers like /poll.
func (a *App) handleWait(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	a.engine.Wait(r.Context())
	a.respondEnveloped(w, r, agent.ID, map[string]any{})
}

func (a *App) handleAction(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	verb := r.PathValue("verb")
	params := map[string]any{}
	if !decodeBody(w, r, &params) {
		return
	}

	class := actions.Classify(verb)
	cost := actions.Cost(verb, params)
	ctx := r.Context()

	a.mu.Lock()
	result, status, err := a.dispatch(ctx, agent, verb, class, cost, params)
	var env *envelope
	if err == nil && status == http.StatusOK {
		env, err = a.buildEnvelope(ctx, agent.ID, result)
	}
	a.mu.Unlock()

	if err != nil {
		a.internalError(w, r, err)
		return
	}
	if status != http.StatusOK {
		writeJSON(w, status, result)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// dispatch debits AP and runs or enqueues the verb. Caller holds the writer
// lock.
func (a *App) dispatch(ctx context.Context, agent *store.Agent, verb string, class actions.Class, cost int, params map[string]any) (any, int, error) {
	// Work from the stored row: the agent resolved at auth time may predate
	// another request in the same tick.
	fresh, err := a.store.GetAgent(ctx, agent.ID)
	if err != nil {
		return nil, 0, err
	}

	if cost > 0 {
		if fresh.AP < cost {
			return map[string]any{"error": "no AP remaining"}, http.StatusTooManyRequests, nil
		}
		if err := a.store.UpdateAgentAP(ctx, fresh.ID, fresh.AP-cost, fresh.PurchasedAP); err != nil {
			return nil, 0, err
		}
		fresh.AP -= cost
	}

	switch class {
	case actions.ClassInstant:
		return a.handler.Instant(ctx, fresh, verb, params), http.StatusOK, nil
	case actions.ClassFree:
		return a.handler.Free(ctx, fresh, verb, params), http.StatusOK, nil
	default:
		tickNum, _, err := a.store.TickState(ctx)
		if err != nil {
			return nil, 0, err
		}
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, 0, err
		}
		ordinal, err := a.store.EnqueueAction(ctx, fresh.ID, verb, payload, tickNum+1)
		if err != nil {
			return nil, 0, err
		}
		return map[string]any{
			"queued":       true,
			"action_id":    ordinal,
			"tick_number":  tickNum + 1,
			"ap_remaining": fresh.AP,
		}, http.StatusOK, nil
	}
}

// respondEnveloped wraps result in the standard envelope under the writer
// lock (the event drain mutates state).
func (a *App) respondEnveloped(w http.ResponseWriter, r *http.Request, agentID string, result any) {
	a.mu.Lock()
	env, err := a.buildEnvelope(r.Context(), agentID, result)
	a.mu.Unlock()
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *App) buildEnvelope(ctx context.Context, agentID string, result any) (*envelope, error) {
	agent, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	tickNum, lastTickAt, err := a.store.TickState(ctx)
	if err != nil {
		return nil, err
	}
	backlog, err := a.store.DrainEvents(ctx, agentID, maxEnvelopeEvents)
	if err != nil {
		return nil, err
	}

	events := make([]envelopeEvent, 0, len(backlog))
	for _, ev := range backlog {
		events = append(events, envelopeEvent{ID: ev.Ordinal, Type: ev.Type, Data: ev.Data})
	}
	return &envelope{
		Info: envelopeInfo{
			Tick:                tickNum,
			NextTickInMS:        tick.NextTickInMS(lastTickAt, time.Now().UnixMilli()),
			AP:                  agent.AP,
			PurchasedAPThisTick: agent.PurchasedAP,
			Events:              events,
		},
		Result: result,
	}, nil
}

func (a *App) internalError(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.ErrorContext(r.Context(), "request failed",
		"path", r.URL.Path, "trace", trace.FromContext(r.Context()), "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

// decodeBody parses the JSON request body into v. An empty body is treated
// as an empty object. Returns false after writing a 400 response.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}
