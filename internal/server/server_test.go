package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentcourt/internal/auth"
	"github.com/mbd888/agentcourt/internal/clock"
	"github.com/mbd888/agentcourt/internal/config"
	"github.com/mbd888/agentcourt/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		JWTSecret:             "test-secret-test-secret-test-secret",
		TransactionExpiryDays: 7,
		SweepInterval:         time.Minute,
	}
}

type testServer struct {
	t     *testing.T
	srv   *Server
	clock *clock.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fake := clock.NewFake(t0)
	s, err := New(testConfig(),
		WithClock(fake),
		WithLogger(logging.New("error", "text")),
		WithVersion("test"),
	)
	require.NoError(t, err)
	return &testServer{t: t, srv: s, clock: fake}
}

func (ts *testServer) token(subject, account string, role auth.Role) string {
	tok, err := ts.srv.Issuer().Issue(subject, account, role, time.Hour*24*30)
	require.NoError(ts.t, err)
	return tok
}

func (ts *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func field(t *testing.T, w *httptest.ResponseRecorder, object, key string) interface{} {
	t.Helper()
	obj, ok := decode(t, w)[object].(map[string]interface{})
	require.True(t, ok, "response has no %q object: %s", object, w.Body.String())
	return obj[key]
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = ts.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started the background loops.
	w = ts.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = ts.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthGates(t *testing.T) {
	ts := newTestServer(t)
	agentTok := ts.token("agt_alice", "acct_alice", auth.RoleAgent)

	w := ts.do(http.MethodGet, "/v1/disputes/dsp_missing", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodGet, "/v1/disputes/dsp_missing", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/v1/admin/agents", agentTok, map[string]string{"name": "x", "operatorAccountId": "y"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(http.MethodGet, "/v1/arbitration/queue", agentTok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_arbiter", decode(t, w)["error"])

	w = ts.do(http.MethodGet, "/v1/disputes/dsp_missing", agentTok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "dispute_not_found", decode(t, w)["error"])
}

func TestSecurityHeadersApplied(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestWebSocketRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/v1/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestDisputeLifecycleOverHTTP drives two agents from proposal through a
// rejected ruling to a human arbitrator's decision.
func TestDisputeLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token("ops", "", auth.RoleAdmin)
	arbiter := ts.token("arb_1", "", auth.RoleArbiter)
	alice := ts.token("agt_alice", "acct_alice", auth.RoleAgent)
	bob := ts.token("agt_bob", "acct_bob", auth.RoleAgent)

	for _, a := range []map[string]string{
		{"externalId": "agt_alice", "name": "Alice", "operatorAccountId": "acct_alice"},
		{"externalId": "agt_bob", "name": "Bob", "operatorAccountId": "acct_bob"},
	} {
		w := ts.do(http.MethodPost, "/v1/admin/agents", admin, a)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := ts.do(http.MethodPost, "/v1/admin/credits/grant", admin,
		map[string]interface{}{"accountId": "acct_alice", "amount": 5000, "description": "starter"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Propose, accept, complete.
	w = ts.do(http.MethodPost, "/v1/transactions", alice, map[string]interface{}{
		"receiverId":  "agt_bob",
		"title":       "Summarise 40 filings",
		"statedValue": 50000,
		"currency":    "usd",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	txID := field(t, w, "transaction", "id").(string)
	assert.Equal(t, "USD", field(t, w, "transaction", "currency"))

	w = ts.do(http.MethodPost, "/v1/transactions/"+txID+"/accept", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "only the receiver may accept")
	w = ts.do(http.MethodPost, "/v1/transactions/"+txID+"/accept", bob, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(http.MethodPost, "/v1/transactions/"+txID+"/complete", bob, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// First dispute of the month is free.
	w = ts.do(http.MethodGet, "/v1/transactions/"+txID+"/dispute-eligibility", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, field(t, w, "eligibility", "canFile"))

	w = ts.do(http.MethodPost, "/v1/disputes", alice, map[string]string{
		"transactionId":       txID,
		"claimType":           "quality",
		"claimSummary":        "Half the summaries are empty",
		"requestedResolution": "refund",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	dspID := field(t, w, "dispute", "id").(string)
	assert.Equal(t, "awaiting_response", field(t, w, "dispute", "status"))

	w = ts.do(http.MethodGet, "/v1/transactions/"+txID, bob, nil)
	assert.Equal(t, "disputed", field(t, w, "transaction", "status"))

	w = ts.do(http.MethodPost, "/v1/disputes", alice, map[string]string{
		"transactionId":       txID,
		"claimType":           "quality",
		"claimSummary":        "again",
		"requestedResolution": "refund",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/respond", alice,
		map[string]string{"responseSummary": "self"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_respondent", decode(t, w)["error"])

	w = ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/respond", bob,
		map[string]string{"responseSummary": "Inputs were unreadable scans"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/evidence", bob, map[string]string{
		"evidenceType": "log", "title": "OCR log", "content": "page 3: no text layer",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Arbiter picks it up and rules for the respondent.
	w = ts.do(http.MethodGet, "/v1/arbitration/queue", arbiter, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/arbitrate", arbiter, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/ruling", arbiter, map[string]interface{}{
		"ruling":                "respondent",
		"reasoning":             "Inputs did not meet the agreed format",
		"claimantScoreChange":   -2,
		"respondentScoreChange": 1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ruled", field(t, w, "dispute", "status"))

	w = ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/escalate", alice, map[string]string{"reason": "disagree"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "must_reject_first", decode(t, w)["error"])

	w = ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/reject", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/escalate", alice, map[string]string{"reason": "scans were fine"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	escID := field(t, w, "escalation", "id").(string)

	w = ts.do(http.MethodGet, "/v1/credits/balance", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3000, decode(t, w)["balance"])

	w = ts.do(http.MethodPost, "/v1/escalations/"+escID+"/assign", arbiter, map[string]string{"arbitratorId": "arb_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(http.MethodPost, "/v1/escalations/"+escID+"/decide", arbiter, map[string]string{
		"ruling": "split", "reasoning": "Both sides share fault",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(http.MethodGet, "/v1/disputes/"+dspID, bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", field(t, w, "dispute", "status"))

	w = ts.do(http.MethodGet, "/v1/agents/agt_alice/disputes", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestResponseDeadlineIsLazy(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token("ops", "", auth.RoleAdmin)
	alice := ts.token("agt_alice", "acct_alice", auth.RoleAgent)
	bob := ts.token("agt_bob", "acct_bob", auth.RoleAgent)

	for _, a := range []string{"alice", "bob"} {
		w := ts.do(http.MethodPost, "/v1/admin/agents", admin, map[string]string{
			"externalId": "agt_" + a, "name": a, "operatorAccountId": "acct_" + a,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := ts.do(http.MethodPost, "/v1/transactions", alice, map[string]interface{}{"receiverId": "agt_bob", "title": "t"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	txID := field(t, w, "transaction", "id").(string)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/v1/transactions/"+txID+"/accept", bob, nil).Code)

	w = ts.do(http.MethodPost, "/v1/disputes", alice, map[string]string{
		"transactionId": txID, "claimType": "non_delivery", "claimSummary": "nothing arrived", "requestedResolution": "refund",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	dspID := field(t, w, "dispute", "id").(string)

	ts.clock.Advance(73 * time.Hour)

	w = ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/respond", bob, map[string]string{"responseSummary": "late"})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "deadline_expired", decode(t, w)["error"])

	w = ts.do(http.MethodGet, "/v1/disputes/"+dspID, alice, nil)
	assert.Equal(t, "in_arbitration", field(t, w, "dispute", "status"))
}
