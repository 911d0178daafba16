package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/taskpilot/internal/agents"
	"github.com/example/taskpilot/internal/budget"
	"github.com/example/taskpilot/internal/models"
	"github.com/example/taskpilot/internal/orchestrator"
	"github.com/example/taskpilot/internal/providers/llm"
	"github.com/example/taskpilot/internal/storage"
)

func backend(release <-chan struct{}) *llm.MockBackend {
	return &llm.MockBackend{Handler: func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Break the goal"):
			return `["Compare flight prices", "Reserve a hotel room"]`, nil
		case strings.Contains(prompt, "tracking progress"):
			return `[]`, nil
		default:
			if release != nil {
				<-release
			}
			return "Done: booked for Friday", nil
		}
	}}
}

type fixture struct {
	srv  *Server
	orch *orchestrator.Orchestrator
	gate *budget.Gate
}

func newFixture(t *testing.T, b llm.Backend, opts Options) *fixture {
	t.Helper()
	cfg := budget.DefaultConfig()
	cfg.Allowance = 100
	gate := budget.NewGate(budget.NewMemoryStore(), cfg, nil)
	orch := orchestrator.New(&agents.Factory{Backend: b}, orchestrator.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	if opts.Tokens == nil {
		opts.Tokens = gate
	}
	return &fixture{srv: New(orch, opts), orch: orch, gate: gate}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, backend(nil), Options{})
	rec := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, backend(nil), Options{AllowOrigin: "https://app.example.com"})
	rec := f.do(t, http.MethodOptions, "/agents", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestStartAndGetRun(t *testing.T) {
	f := newFixture(t, backend(nil), Options{})
	rec := f.do(t, http.MethodPost, "/agents", `{"goal":"Plan a trip to Lisbon","session_id":"s-1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	snap := decode[orchestrator.Snapshot](t, rec)
	if snap.ID == "" || snap.SessionID != "s-1" || snap.Goal != "Plan a trip to Lisbon" {
		t.Fatalf("snapshot = %+v", snap)
	}

	h, ok := f.orch.Get(snap.ID)
	if !ok {
		t.Fatal("run not registered")
	}
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish")
	}

	rec = f.do(t, http.MethodGet, "/agents/"+snap.ID, "")
	got := decode[orchestrator.Snapshot](t, rec)
	if got.State != orchestrator.StateCompleted || len(got.Tasks) != 2 {
		t.Errorf("snapshot = %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/agents", "")
	if list := decode[[]orchestrator.Snapshot](t, rec); len(list) != 1 {
		t.Errorf("list = %+v", list)
	}
}

func TestStartRunErrors(t *testing.T) {
	f := newFixture(t, backend(nil), Options{})
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{"goal":`, http.StatusBadRequest},
		{"empty goal", `{"goal":"   "}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/agents", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestUnknownRun(t *testing.T) {
	f := newFixture(t, backend(nil), Options{})
	for _, path := range []string{"/agents/nope/stop", "/agents/nope/pause", "/agents/nope/resume"} {
		if rec := f.do(t, http.MethodPost, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodGet, "/agents/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get: status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/agents/nope/events", ""); rec.Code != http.StatusNotFound {
		t.Errorf("events: status = %d", rec.Code)
	}
}

func TestStopRun(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, backend(release), Options{})

	snap := decode[orchestrator.Snapshot](t, f.do(t, http.MethodPost, "/agents", `{"goal":"Plan a trip"}`))
	rec := f.do(t, http.MethodPost, "/agents/"+snap.ID+"/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	h, _ := f.orch.Get(snap.ID)
	close(release)
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
	if h.Agent.State() != orchestrator.StateStopped {
		t.Errorf("state = %s", h.Agent.State())
	}
}

func TestTokens(t *testing.T) {
	f := newFixture(t, backend(nil), Options{})

	rec := f.do(t, http.MethodPost, "/tokens/demo/init", "")
	st := decode[models.TokenStatus](t, rec)
	if rec.Code != http.StatusOK || st.TokensRemaining != 100 || !st.CanUseTokens {
		t.Fatalf("init = %d %+v", rec.Code, st)
	}

	rec = f.do(t, http.MethodPost, "/tokens/demo/consume", `{"amount":30}`)
	res := decode[budget.ConsumeResult](t, rec)
	if rec.Code != http.StatusOK || !res.Success || res.TokensRemaining != 70 {
		t.Fatalf("consume = %d %+v", rec.Code, res)
	}

	rec = f.do(t, http.MethodPost, "/tokens/demo/consume", `{"amount":500}`)
	res = decode[budget.ConsumeResult](t, rec)
	if rec.Code != http.StatusConflict || res.Success || res.TokensRemaining != 70 {
		t.Fatalf("overdraw = %d %+v", rec.Code, res)
	}

	rec = f.do(t, http.MethodGet, "/tokens/demo", "")
	if st := decode[models.TokenStatus](t, rec); st.TokensUsed != 30 || st.TokensRemaining != 70 {
		t.Errorf("status = %+v", st)
	}

	if rec := f.do(t, http.MethodPost, "/tokens/demo/consume", `{"amount":-1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("negative amount: status = %d", rec.Code)
	}
}

type fakeLogs struct {
	entries []storage.LogEntry
	limits  *[]int
}

func (f fakeLogs) Logs(_ context.Context, _ string, limit int) ([]storage.LogEntry, error) {
	if f.limits != nil {
		*f.limits = append(*f.limits, limit)
	}
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func TestSessionLogs(t *testing.T) {
	logs := fakeLogs{entries: []storage.LogEntry{{SessionID: "s"}, {SessionID: "s"}}}
	f := newFixture(t, backend(nil), Options{Logs: logs})

	rec := f.do(t, http.MethodGet, "/sessions/s/logs?limit=1", "")
	if got := decode[[]storage.LogEntry](t, rec); rec.Code != http.StatusOK || len(got) != 1 {
		t.Errorf("logs = %d %+v", rec.Code, got)
	}
	if rec := f.do(t, http.MethodGet, "/sessions/s/logs?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", rec.Code)
	}

	f = newFixture(t, backend(nil), Options{})
	if rec := f.do(t, http.MethodGet, "/sessions/s/logs", ""); rec.Code != http.StatusNotImplemented {
		t.Errorf("disabled: status = %d", rec.Code)
	}
}

func TestSessionLogsLimit(t *testing.T) {
	var limits []int
	f := newFixture(t, backend(nil), Options{Logs: fakeLogs{limits: &limits}})

	tests := []struct {
		query string
		want  int
	}{
		{"", 100},
		{"?limit=5", 5},
		{"?limit=1000", 1000},
		{"?limit=4611686018427387904", 1000},
	}
	for _, tt := range tests {
		limits = limits[:0]
		rec := f.do(t, http.MethodGet, "/sessions/s/logs"+tt.query, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%q: status = %d", tt.query, rec.Code)
			continue
		}
		if len(limits) != 1 || limits[0] != tt.want {
			t.Errorf("%q: store saw limits %v, want %d", tt.query, limits, tt.want)
		}
	}
}

func TestEventsStream(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, backend(release), Options{})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	snap := decode[orchestrator.Snapshot](t, f.do(t, http.MethodPost, "/agents", `{"goal":"Plan a trip"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/agents/"+snap.ID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	released := false
	events := map[string]int{}
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events[name]++
			if !released {
				close(release)
				released = true
			}
			continue
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"state":"completed"`) {
			if events[orchestrator.EventMessage] == 0 {
				t.Errorf("no message events before completion: %v", events)
			}
			return
		}
	}
	t.Fatalf("stream ended without completion: %v (err %v)", events, sc.Err())
}
