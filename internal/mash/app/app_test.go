package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mashworld/mash/common/spec/rules"
	"github.com/mashworld/mash/internal/mash/actions"
	"github.com/mashworld/mash/internal/mash/config"
	"github.com/mashworld/mash/internal/mash/store"
	"github.com/mashworld/mash/internal/mash/tick"
)

func newTestApp(t *testing.T) (*App, *store.Store) {
	t.Helper()
	return newTestAppWithConfig(t, config.Default())
}

func newTestAppWithConfig(t *testing.T, cfg *config.Config) (*App, *store.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "mash-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, s, logger), s
}

// do issues one request against the app and decodes the JSON response.
func do(t *testing.T, a *App, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: bad response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, resp
}

func signup(t *testing.T, a *App, username string) (token, agentID, homeID string) {
	t.Helper()
	code, resp := do(t, a, http.MethodPost, "/auth/signup", "",
		map[string]any{"username": username, "password": "secret123"})
	if code != http.StatusOK {
		t.Fatalf("signup %s: code %d, resp %v", username, code, resp)
	}
	return resp["token"].(string), resp["agent_id"].(string), resp["home_node_id"].(string)
}

func info(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	m, ok := resp["info"].(map[string]any)
	if !ok {
		t.Fatalf("response has no info envelope: %v", resp)
	}
	return m
}

func result(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	m, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("response has no result: %v", resp)
	}
	return m
}

func actionResults(t *testing.T, resp map[string]any) []map[string]any {
	t.Helper()
	events, _ := info(t, resp)["events"].([]any)
	var out []map[string]any
	for _, raw := range events {
		ev := raw.(map[string]any)
		if ev["type"] != store.EventActionResult {
			continue
		}
		out = append(out, ev["data"].(map[string]any))
	}
	return out
}

func TestHealth(t *testing.T) {
	a, _ := newTestApp(t)
	code, resp := do(t, a, http.MethodGet, "/health", "", nil)
	if code != http.StatusOK || resp["status"] != "ok" {
		t.Fatalf("health: code %d, resp %v", code, resp)
	}
	if n, _ := resp["tick_number"].(float64); n != 0 {
		t.Errorf("fresh world tick_number: got %v, want 0", resp["tick_number"])
	}
}

func TestSignup_LookShowsHomeFurniture(t *testing.T) {
	a, _ := newTestApp(t)
	token, _, homeID := signup(t, a, "alice")

	code, resp := do(t, a, http.MethodPost, "/action/look", token, map[string]any{})
	if code != http.StatusOK {
		t.Fatalf("look: code %d, resp %v", code, resp)
	}

	inf := info(t, resp)
	if ap, _ := inf["ap"].(float64); int(ap) != actions.MaxAP-1 {
		t.Errorf("ap after one look: got %v, want %d", inf["ap"], actions.MaxAP-1)
	}
	res := result(t, resp)
	if res["id"] != homeID {
		t.Errorf("look should show home node %s, got %v", homeID, res["id"])
	}
	if !hasShortDesc(res["links"], "a shimmering portal") {
		t.Errorf("home links missing portal: %v", res["links"])
	}
	if !hasShortDesc(res["things"], "a glowing directory") {
		t.Errorf("home things missing directory: %v", res["things"])
	}
}

func hasShortDesc(list any, want string) bool {
	items, _ := list.([]any)
	for _, raw := range items {
		if m, ok := raw.(map[string]any); ok && m["short_description"] == want {
			return true
		}
	}
	return false
}

func TestAuth_Required(t *testing.T) {
	a, _ := newTestApp(t)
	if code, _ := do(t, a, http.MethodPost, "/poll", "", nil); code != http.StatusUnauthorized {
		t.Errorf("missing token: got %d, want 401", code)
	}
	if code, _ := do(t, a, http.MethodPost, "/poll", "bogus", nil); code != http.StatusUnauthorized {
		t.Errorf("bad token: got %d, want 401", code)
	}
}

func TestAction_BadJSON(t *testing.T) {
	a, _ := newTestApp(t)
	token, _, _ := signup(t, a, "alice")

	req := httptest.NewRequest(http.MethodPost, "/action/look", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("truncated JSON: got %d, want 400", rec.Code)
	}
}

func TestQueuedCreate_ResultArrivesAfterTick(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	token, _, homeID := signup(t, a, "alice")

	code, resp := do(t, a, http.MethodPost, "/action/create", token, map[string]any{
		"type": "template", "name": "door", "template_type": "link",
		"short_description": "a red door",
		"fields":            map[string]any{"destination": homeID},
	})
	if code != http.StatusOK {
		t.Fatalf("create: code %d, resp %v", code, resp)
	}
	res := result(t, resp)
	if res["queued"] != true {
		t.Fatalf("create should be queued: %v", res)
	}
	if n, _ := res["tick_number"].(float64); n != 1 {
		t.Errorf("queued for tick: got %v, want 1", res["tick_number"])
	}
	if n, _ := res["ap_remaining"].(float64); int(n) != actions.MaxAP-1 {
		t.Errorf("ap_remaining: got %v, want %d", res["ap_remaining"], actions.MaxAP-1)
	}

	if err := a.Engine().RunTick(ctx); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	_, resp = do(t, a, http.MethodPost, "/poll", token, nil)
	results := actionResults(t, resp)
	if len(results) != 1 {
		t.Fatalf("got %d action results, want 1: %v", len(results), resp)
	}
	payload := results[0]["result"].(map[string]any)
	if id, _ := payload["template_id"].(string); id == "" {
		t.Errorf("action result should carry template_id: %v", payload)
	}

	// Events are drained destructively.
	_, resp = do(t, a, http.MethodPost, "/poll", token, nil)
	if n := len(actionResults(t, resp)); n != 0 {
		t.Errorf("second poll should be empty, got %d results", n)
	}
}

func TestAP_ExhaustionReturns429(t *testing.T) {
	a, _ := newTestApp(t)
	token, _, _ := signup(t, a, "alice")

	for i := 0; i < actions.MaxAP; i++ {
		if code, resp := do(t, a, http.MethodPost, "/action/look", token, nil); code != http.StatusOK {
			t.Fatalf("look %d: code %d, resp %v", i+1, code, resp)
		}
	}
	code, resp := do(t, a, http.MethodPost, "/action/look", token, nil)
	if code != http.StatusTooManyRequests {
		t.Fatalf("exhausted look: got %d, want 429", code)
	}
	if resp["error"] != "no AP remaining" {
		t.Errorf("error text: %v", resp["error"])
	}
}

func TestTravel_VoidHopRefundFlow(t *testing.T) {
	a, s := newTestApp(t)
	ctx := context.Background()
	token, agentID, _ := signup(t, a, "alice")

	open := map[string]rules.PermRule{rules.PermInteract: {Kind: "any"}}
	plaza := &store.Instance{ID: "plaza", Kind: store.KindNode, ShortDesc: "the plaza", Permissions: open}
	if err := s.CreateInstance(ctx, plaza); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	agent, _ := s.GetAgent(ctx, agentID)
	l1 := &store.Instance{
		ID: "l1", Kind: store.KindLink, ShortDesc: "an archway",
		ContainerType: store.ContainerInstance,
		ContainerID:   sql.NullString{String: agent.CurrentNodeID.String, Valid: true},
		Fields:        map[string]any{"destination": "plaza"},
		Permissions:   open,
	}
	l2 := &store.Instance{
		ID: "l2", Kind: store.KindLink, ShortDesc: "a broken gate",
		ContainerType: store.ContainerInstance,
		ContainerID:   sql.NullString{String: "plaza", Valid: true},
		IsVoid:        true,
		Permissions:   open,
	}
	for _, inst := range []*store.Instance{l1, l2} {
		if err := s.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance(%s): %v", inst.ID, err)
		}
	}

	code, resp := do(t, a, http.MethodPost, "/action/travel", token,
		map[string]any{"via": []string{"l1", "l2"}})
	if code != http.StatusOK {
		t.Fatalf("travel: code %d, resp %v", code, resp)
	}
	if ap, _ := info(t, resp)["ap"].(float64); int(ap) != actions.MaxAP-2 {
		t.Errorf("two hops debited at entry: ap %v, want %d", info(t, resp)["ap"], actions.MaxAP-2)
	}

	if err := a.Engine().RunTick(ctx); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	_, resp = do(t, a, http.MethodPost, "/poll", token, nil)
	results := actionResults(t, resp)
	if len(results) != 1 {
		t.Fatalf("got %d action results, want 1", len(results))
	}
	payload := results[0]["result"].(map[string]any)
	if payload["error"] != "no such link" || payload["stopped_at"] != "plaza" {
		t.Errorf("void hop result: %v", payload)
	}
	if n, _ := payload["ap_refunded"].(float64); n != 1 {
		t.Errorf("ap_refunded: got %v, want 1", payload["ap_refunded"])
	}

	moved, _ := s.GetAgent(ctx, agentID)
	if moved.CurrentNodeID.String != "plaza" {
		t.Errorf("agent should have completed the first hop, at %v", moved.CurrentNodeID)
	}
}

func TestCustomVerb_DenyKeepsPriorEffects(t *testing.T) {
	a, s := newTestApp(t)
	ctx := context.Background()
	token, agentID, homeID := signup(t, a, "alice")

	doc := `[{"on":"poke","do":[["say","ouch"],["deny"]]}]`
	rs, err := rules.ParseInteractions([]byte(doc))
	if err != nil {
		t.Fatalf("ParseInteractions: %v", err)
	}
	tmpl := &store.Template{
		ID: "statue-tpl", OwnerID: agentID, Name: "statue", Kind: store.KindThing,
		DefaultPermissions: map[string]rules.PermRule{rules.PermInteract: {Kind: "any"}},
		Interactions:       rs,
	}
	if err := s.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	statue := &store.Instance{
		ID: "statue1", Kind: store.KindThing, ShortDesc: "a statue",
		TemplateID:    sql.NullString{String: "statue-tpl", Valid: true},
		ContainerType: store.ContainerInstance,
		ContainerID:   sql.NullString{String: homeID, Valid: true},
	}
	if err := s.CreateInstance(ctx, statue); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	code, resp := do(t, a, http.MethodPost, "/action/poke", token,
		map[string]any{"target_id": "statue1"})
	if code != http.StatusOK || result(t, resp)["queued"] != true {
		t.Fatalf("poke enqueue: code %d, resp %v", code, resp)
	}
	if err := a.Engine().RunTick(ctx); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	_, resp = do(t, a, http.MethodPost, "/poll", token, nil)
	results := actionResults(t, resp)
	if len(results) != 1 {
		t.Fatalf("got %d action results, want 1", len(results))
	}
	payload := results[0]["result"].(map[string]any)
	if payload["error"] != "refused" {
		t.Errorf("denied verb should refuse: %v", payload)
	}

	// The say that ran before the deny still went out.
	heard := false
	events, _ := info(t, resp)["events"].([]any)
	for _, raw := range events {
		ev := raw.(map[string]any)
		if ev["type"] != store.EventBroadcast {
			continue
		}
		if data, ok := ev["data"].(map[string]any); ok && data["message"] == "ouch" {
			heard = true
		}
	}
	if !heard {
		t.Error("the say before the deny must persist")
	}
}

func TestWait_ReleasedByTick(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	token, _, _ := signup(t, a, "alice")

	type waitResp struct {
		code int
		resp map[string]any
	}
	done := make(chan waitResp, 1)
	go func() {
		code, resp := do(t, a, http.MethodPost, "/wait", token, nil)
		done <- waitResp{code, resp}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := a.Engine().RunTick(ctx); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	select {
	case got := <-done:
		if got.code != http.StatusOK {
			t.Fatalf("wait: code %d", got.code)
		}
		if n, _ := info(t, got.resp)["tick"].(float64); n != 1 {
			t.Errorf("wait envelope tick: got %v, want 1", info(t, got.resp)["tick"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait was not released by the tick")
	}
}

func TestAuthEndpoints_RateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.AuthRatePerMinute = 1
	cfg.AuthBurst = 2
	a, _ := newTestAppWithConfig(t, cfg)

	body := map[string]any{"username": "nobody", "password": "short"}
	for i := 0; i < cfg.AuthBurst; i++ {
		if code, _ := do(t, a, http.MethodPost, "/auth/login", "", body); code == http.StatusTooManyRequests {
			t.Fatalf("request %d should be within burst", i+1)
		}
	}
	if code, _ := do(t, a, http.MethodPost, "/auth/login", "", body); code != http.StatusTooManyRequests {
		t.Errorf("burst exceeded: got %d, want 429", code)
	}
}

// Authentication wakes limbo agents, so it mutates the store and must hold
// the writer lock: a wake landing between the reap and drain phases of a
// tick would let a reaped agent's queued actions run anyway.
func TestAuthWake_SerialisedWithTicks(t *testing.T) {
	a, s := newTestApp(t)
	ctx := context.Background()
	token, agentID, homeID := signup(t, a, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				var buf bytes.Buffer
				req := httptest.NewRequest(http.MethodPost, "/poll", &buf)
				req.Header.Set("Authorization", "Bearer "+token)
				rec := httptest.NewRecorder()
				a.ServeHTTP(rec, req)
				if rec.Code != http.StatusOK {
					t.Errorf("poll: code %d", rec.Code)
					return
				}
			}
		}()
	}

	// Keep forcing the agent stale so every tick tries to reap it while
	// the pollers keep waking it.
	for i := 0; i < 10; i++ {
		a.mu.Lock()
		s.TouchAgent(ctx, agentID, time.Now().UnixMilli()-tick.IdleTimeoutMS-1000)
		a.mu.Unlock()
		if err := a.Engine().RunTick(ctx); err != nil {
			t.Fatalf("RunTick %d: %v", i, err)
		}
	}
	wg.Wait()

	got, err := s.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.CurrentNodeID.Valid && got.CurrentNodeID.String != homeID {
		t.Errorf("agent must be in limbo or at home, got %v", got.CurrentNodeID)
	}
}

func TestLogin_OverHTTP(t *testing.T) {
	a, _ := newTestApp(t)
	token, _, _ := signup(t, a, "alice")

	code, resp := do(t, a, http.MethodPost, "/auth/login", "",
		map[string]any{"username": "alice", "password": "secret123"})
	if code != http.StatusOK {
		t.Fatalf("login: code %d, resp %v", code, resp)
	}
	if resp["token"] == token {
		t.Error("login must rotate the token")
	}

	if code, _ := do(t, a, http.MethodPost, "/poll", token, nil); code != http.StatusUnauthorized {
		t.Errorf("old token after rotation: got %d, want 401", code)
	}
	if code, _ := do(t, a, http.MethodPost, "/poll", resp["token"].(string), nil); code != http.StatusOK {
		t.Errorf("new token: got %d, want 200", code)
	}
}
