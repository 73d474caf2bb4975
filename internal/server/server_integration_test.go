//go:build integration

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentcourt/internal/auth"
	"github.com/mbd888/agentcourt/internal/clock"
	"github.com/mbd888/agentcourt/internal/logging"
	"github.com/mbd888/agentcourt/internal/testutil"
)

func newPostgresServer(t *testing.T) *testServer {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	fake := clock.NewFake(t0)
	s, err := New(testConfig(),
		WithDB(db),
		WithClock(fake),
		WithLogger(logging.New("error", "text")),
	)
	require.NoError(t, err)
	return &testServer{t: t, srv: s, clock: fake}
}

func TestPostgresMutualAcceptanceFreesClaimant(t *testing.T) {
	ts := newPostgresServer(t)
	admin := ts.token("ops", "", auth.RoleAdmin)
	arbiter := ts.token("arb_1", "", auth.RoleArbiter)
	alice := ts.token("agt_alice", "acct_alice", auth.RoleAgent)
	bob := ts.token("agt_bob", "acct_bob", auth.RoleAgent)

	w := ts.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	db := decode(t, w)["checks"].(map[string]interface{})["database"].(map[string]interface{})
	assert.Equal(t, true, db["healthy"])

	for _, a := range []string{"alice", "bob"} {
		w := ts.do(http.MethodPost, "/v1/admin/agents", admin, map[string]string{
			"externalId": "agt_" + a, "name": a, "operatorAccountId": "acct_" + a,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w = ts.do(http.MethodPost, "/v1/transactions", alice, map[string]interface{}{
		"receiverId": "agt_bob", "title": "Label 500 images", "statedValue": 2500,
		"terms": map[string]interface{}{"deliverables": []string{"labels.csv"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	txID := field(t, w, "transaction", "id").(string)

	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/v1/transactions/"+txID+"/accept", bob, nil).Code)
	w = ts.do(http.MethodPost, "/v1/transactions/"+txID+"/escrow/fund", alice,
		map[string]interface{}{"amount": 2500, "currency": "USD"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "in_progress", field(t, w, "transaction", "status"))

	file := func() *httptest.ResponseRecorder {
		return ts.do(http.MethodPost, "/v1/disputes", alice, map[string]string{
			"transactionId": txID, "claimType": "non_delivery", "claimSummary": "no labels", "requestedResolution": "refund",
		})
	}

	w = file()
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	dspID := field(t, w, "dispute", "id").(string)

	w = file()
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	require.Equal(t, http.StatusOK,
		ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/respond", bob, map[string]string{"responseSummary": "sent"}).Code)
	w = ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/ruling", arbiter, map[string]interface{}{
		"ruling": "claimant", "reasoning": "no delivery receipt", "claimantScoreChange": 1, "respondentScoreChange": -3,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/accept", alice, nil).Code)
	w = ts.do(http.MethodPost, "/v1/disputes/"+dspID+"/accept", bob, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(http.MethodGet, "/v1/disputes/"+dspID+"/decision", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", field(t, w, "decision", "status"))
	assert.Equal(t, "accepted", field(t, w, "decision", "claimantDecision"))
	assert.Equal(t, "accepted", field(t, w, "decision", "respondentDecision"))

	w = ts.do(http.MethodGet, "/v1/agents/agt_bob", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 47, field(t, w, "agent", "trustScore"))

	// Mutual acceptance already closed it, so the sweep has nothing to do.
	ts.clock.Advance(8 * 24 * time.Hour)
	n, err := ts.srv.disputes.CloseLapsedDecisions(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
}
