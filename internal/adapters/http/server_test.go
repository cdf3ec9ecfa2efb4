package httpadapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"aegis/internal/adapters/memory"
	"aegis/internal/adapters/slack"
	"aegis/internal/domain"
	"aegis/internal/events"
	"aegis/internal/metrics"
	"aegis/internal/services/approvals"
	"aegis/internal/services/proposals"
	"aegis/internal/services/reliability"
)

const (
	apiKey = "k3y"
	secret = "shh"
)

type stubRunner struct {
	calls  int
	ctxErr error
	res    domain.PipelineResult
}

func (r *stubRunner) Run(ctx context.Context) (domain.PipelineResult, error) {
	r.calls++
	r.ctxErr = ctx.Err()
	if r.ctxErr != nil {
		return domain.PipelineResult{}, r.ctxErr
	}
	return r.res, nil
}

type harness struct {
	store  *memory.Store
	runner *stubRunner
	bus    *events.Bus
	srv    *Server
	routes http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	store.PutLocation(domain.Location{ID: "sup-b", Type: domain.LocationSupplier, Reliability: 0.5, Active: true})

	ctx := context.Background()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	for i, st := range []domain.ProposalStatus{domain.StatusAwaitingApproval, domain.StatusAutoApproved, domain.StatusAwaitingApproval} {
		require.NoError(t, store.Put(ctx, domain.Proposal{
			ID:                 "prop-" + strconv.Itoa(i),
			ThreatID:           "haz-1",
			ProposedSupplierID: "sup-b",
			CostUSD:            60_000,
			Status:             st,
			RouteGeometry:      orb.LineString{{-80, 25}, {-84, 33}},
			CreatedAt:          now.Add(time.Duration(i) * time.Minute),
		}))
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rel := reliability.New(store, reliability.DefaultConfig(), logger, m)
	bus := events.NewBus(8, logger, m)
	runner := &stubRunner{res: domain.PipelineResult{RunID: "run-1", CorrelationsFound: 2}}
	srv := New(Deps{
		Runner:        runner,
		Proposals:     proposals.New(store),
		Approvals:     approvals.New(store, rel, logger),
		Outcomes:      rel,
		Bus:           bus,
		Gatherer:      reg,
		APIKey:        apiKey,
		SigningSecret: secret,
		Logger:        logger,
	})
	srv.now = func() time.Time { return time.Unix(1_800_000_000, 0) }
	return &harness{store: store, runner: runner, bus: bus, srv: srv, routes: srv.Routes()}
}

func (h *harness) do(t *testing.T, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	req.Header.Set(APIKeyHeader, apiKey)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.routes.ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoKey(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAPIKeyRequired(t *testing.T) {
	h := newHarness(t)
	for _, key := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/proposals", nil)
		if key != "" {
			req.Header.Set(APIKeyHeader, key)
		}
		rec := httptest.NewRecorder()
		h.routes.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "ApiKey", rec.Header().Get("WWW-Authenticate"))
	}
}

func TestRunPipeline(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/pipeline/run", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"run_id":"run-1","correlations_found":2,"proposals_generated":0,"value_at_risk":0,
		"verdicts":[],"actions_taken":[],"procurement":[]}`, rec.Body.String())
	assert.Equal(t, 1, h.runner.calls)
}

func TestRunPipeline_ReportsVerdictsAndProposals(t *testing.T) {
	h := newHarness(t)
	conf := 0.81
	h.runner.res = domain.PipelineResult{
		RunID:              "run-2",
		ProposalsGenerated: 1,
		Proposals:          []domain.Proposal{{ID: "prop-9", ThreatID: "haz-1", Status: domain.StatusPending}},
		Verdicts:           []domain.Verdict{{ProposalID: "prop-9", Confidence: conf, Approved: true, CostUSD: 1200}},
		Actions:            []domain.Action{{Type: domain.ActionAutoExecuted, ProposalID: "prop-9", Confidence: conf}},
	}

	rec := h.do(t, http.MethodPost, "/pipeline/run", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Verdicts []struct {
			ProposalID string  `json:"proposal_id"`
			Confidence float64 `json:"confidence"`
			CostUSD    float64 `json:"reroute_cost_usd"`
		} `json:"verdicts"`
		Procurement []struct {
			ProposalID string `json:"proposal_id"`
		} `json:"procurement"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Verdicts, 1)
	assert.Equal(t, "prop-9", out.Verdicts[0].ProposalID)
	assert.Equal(t, 0.81, out.Verdicts[0].Confidence)
	assert.Equal(t, 1200.0, out.Verdicts[0].CostUSD)
	require.Len(t, out.Procurement, 1)
	assert.Equal(t, "prop-9", out.Procurement[0].ProposalID)
}

func TestRunPipeline_OutlivesDisconnectedClient(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/pipeline/run", nil).WithContext(ctx)
	req.Header.Set(APIKeyHeader, apiKey)
	rec := httptest.NewRecorder()
	h.routes.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, h.runner.ctxErr, "run must not inherit the request's cancellation")
	assert.Equal(t, 1, h.runner.calls)
}

type blockingRunner struct {
	started chan struct{}
}

func (r blockingRunner) Run(ctx context.Context) (domain.PipelineResult, error) {
	close(r.started)
	<-ctx.Done()
	return domain.PipelineResult{}, ctx.Err()
}

func TestRunPipeline_StopsOnShutdown(t *testing.T) {
	h := newHarness(t)
	lifetime, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	runner := blockingRunner{started: make(chan struct{})}
	h.srv.Lifetime = lifetime
	h.srv.Runner = runner

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- h.do(t, http.MethodPost, "/pipeline/run", nil, nil) }()

	<-runner.started
	shutdown()
	select {
	case rec := <-done:
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("run kept going after shutdown")
	}
}

func TestExecutionEvent(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe()
	defer sub.Close()

	rec := h.do(t, http.MethodPost, "/internal/execution-event",
		strings.NewReader(`{"proposal_id":"prop-0","threat_id":"haz-1"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","subscribers_notified":1}`, rec.Body.String())

	ev := <-sub.C
	assert.Equal(t, domain.StageExecution, ev.Stage)
	assert.Equal(t, "reroute_executed", ev.Status)
	assert.Equal(t, "prop-0", ev.ProposalID)
	assert.Equal(t, "haz-1", ev.ThreatID)
	assert.Equal(t, "workflow", ev.Source)
	assert.Equal(t, h.srv.now().UTC(), ev.Timestamp)

	rec = h.do(t, http.MethodPost, "/internal/execution-event", strings.NewReader(`{"event_type":"x"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/internal/execution-event", strings.NewReader(`{"proposal_id":"p"}`))
	rec = httptest.NewRecorder()
	h.routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListProposals(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/proposals?status=awaiting_approval&page=1&size=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out proposalList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 1, out.Size)
	require.Len(t, out.Proposals, 1)
	assert.Equal(t, "awaiting_approval", out.Proposals[0].Status)

	rec = h.do(t, http.MethodGet, "/proposals?status=awaiting_approval,auto_approved", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 3, out.Total)
}

func TestListProposals_BadRequests(t *testing.T) {
	h := newHarness(t)
	for _, q := range []string{"page=0", "size=501", "size=abc", "status=bogus"} {
		rec := h.do(t, http.MethodGet, "/proposals?"+q, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetProposal(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/proposals/prop-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "prop-1", v["proposal_id"])
	geom := v["route_geometry"].(map[string]any)
	assert.Equal(t, "LineString", geom["type"])

	rec = h.do(t, http.MethodGet, "/proposals/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRLUpdate(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/rl/update", strings.NewReader(`{"supplier_id":"sup-b","outcome":"success"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"supplier_id":"sup-b","previous_reliability":0.5,"new_reliability":0.52,"delta":0.02}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/rl/update", strings.NewReader(`{"supplier_id":"sup-b","outcome":"maybe"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/rl/update", strings.NewReader(`{"supplier_id":"ghost","outcome":"failure"}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/rl/update", strings.NewReader(`{`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func slackRequest(t *testing.T, h *harness, action, proposalID string, sign func(ts string, body []byte) string) *httptest.ResponseRecorder {
	t.Helper()
	payload := `{"user":{"id":"U1","username":"ops"},"actions":[{"action_id":"` + action + `","value":"` + proposalID + `"}]}`
	body := []byte(url.Values{"payload": {payload}}.Encode())
	ts := strconv.FormatInt(h.srv.now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/actions", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", sign(ts, body))
	rec := httptest.NewRecorder()
	h.routes.ServeHTTP(rec, req)
	return rec
}

func validSig(ts string, body []byte) string { return slack.Sign(secret, ts, body) }

func TestSlackActions_Reject(t *testing.T) {
	h := newHarness(t)

	rec := slackRequest(t, h, slack.ActionReject, "prop-0", validSig)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"response_type":"in_channel","text":"Reroute `+"`prop-0`"+` REJECTED."}`, rec.Body.String())

	p, err := h.store.Get(context.Background(), "prop-0")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, p.Status)
	assert.Equal(t, "ops", p.DecidedBy)

	rel, _, err := h.store.Reliability(context.Background(), "sup-b")
	require.NoError(t, err)
	assert.InDelta(t, 0.45, rel, 1e-9)
}

func TestSlackActions_Errors(t *testing.T) {
	h := newHarness(t)

	rec := slackRequest(t, h, slack.ActionApprove, "prop-0", func(string, []byte) string { return "v0=deadbeef" })
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = slackRequest(t, h, slack.ActionApprove, "prop-1", validSig)
	assert.Equal(t, http.StatusConflict, rec.Code, "auto-approved proposals cannot be decided")

	rec = slackRequest(t, h, slack.ActionApprove, "missing", validSig)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = slackRequest(t, h, "other", "prop-0", validSig)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/slack/actions", strings.NewReader("payload=%7B%7D"))
	rec = httptest.NewRecorder()
	h.routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetrics(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/rl/update", strings.NewReader(`{"supplier_id":"sup-b","outcome":"success"}`), nil)

	rec := h.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `aegis_reliability_adjustments_total{kind="outcome_success"} 1`)
}

func TestPipelineStream(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.routes)
	defer ts.Close()

	cfg, err := websocket.NewConfig("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/pipeline", ts.URL)
	require.NoError(t, err)
	cfg.Header.Set(APIKeyHeader, apiKey)
	ws, err := websocket.DialConfig(cfg)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return h.bus.Listeners() == 1 }, time.Second, 5*time.Millisecond)
	h.bus.Emit(domain.Event{RunID: "run-7", Stage: domain.StageAuditor, Status: domain.EventComplete})

	var ev domain.Event
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, websocket.JSON.Receive(ws, &ev))
	assert.Equal(t, "run-7", ev.RunID)
	assert.Equal(t, domain.StageAuditor, ev.Stage)

	ws.Close()
	require.Eventually(t, func() bool { return h.bus.Listeners() == 0 }, time.Second, 5*time.Millisecond)
}
