package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentcourt/internal/circuitbreaker"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, Token: "tok_alice"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "tok_secret"})
	_, err := client.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok_secret", gotAuth)
}

func TestClient_APIErrorMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "duplicate_dispute",
			"message": "an active dispute already exists for this transaction",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t"})
	_, err := client.FileDispute(context.Background(), map[string]any{"transactionId": "txn_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "duplicate_dispute")
	assert.Contains(t, err.Error(), "already exists")
}

func TestClient_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t"})
	_, err := client.GetBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1", Token: "t"})
	_, err := client.GetBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_BreakerFailsFast(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path == "/v1/disputes/dsp_missing" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "dispute not found"})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t"}).WithBreaker(circuitbreaker.New(2, time.Hour))
	ctx := context.Background()

	// 4xx responses are the caller's problem and never trip the breaker.
	for i := 0; i < 3; i++ {
		_, err := client.GetDispute(ctx, "dsp_missing")
		require.Error(t, err)
	}

	_, _ = client.GetBalance(ctx)
	_, _ = client.GetBalance(ctx)
	require.Equal(t, 5, calls)

	_, err := client.GetBalance(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Contains(t, err.Error(), "API unavailable")
	assert.Equal(t, 5, calls, "open circuit must not reach the API")
}

func TestClient_PathEscaping(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t"})
	_, err := client.GetDispute(context.Background(), "dsp_1/../admin")
	require.NoError(t, err)
	assert.Equal(t, "/v1/disputes/dsp_1%2F..%2Fadmin", gotPath)
}

// ============================================================
// Transactions
// ============================================================

func TestHandleProposeTransaction(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/transactions", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeJSON(w, http.StatusCreated, map[string]any{"transaction": map[string]any{
			"id": "txn_1", "title": "Summarize corpus", "status": "proposed",
			"proposerId": "agt_alice", "receiverId": "agt_bob",
			"statedValue": 25000, "currency": "USD",
			"escrow": map[string]any{"status": "none"},
		}})
	}))
	defer cleanup()

	res, err := h.HandleProposeTransaction(context.Background(), makeRequest(map[string]any{
		"receiver_id":  "agt_bob",
		"title":        "Summarize corpus",
		"stated_value": float64(25000),
		"terms":        map[string]any{"deliverables": []any{"summary"}},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	text := resultText(t, res)
	assert.Contains(t, text, "txn_1")
	assert.Contains(t, text, "proposed")
	assert.Contains(t, text, "250.00 USD")
	assert.NotContains(t, text, "Escrow")

	assert.Equal(t, "agt_bob", body["receiverId"])
	assert.Equal(t, float64(25000), body["statedValue"])
	assert.NotNil(t, body["terms"])
}

func TestHandleProposeTransaction_MissingArgs(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer cleanup()

	res, err := h.HandleProposeTransaction(context.Background(), makeRequest(map[string]any{"title": "x"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "receiver_id")
}

func TestHandleRespondTransaction(t *testing.T) {
	tests := []struct {
		decision string
		path     string
	}{
		{"accept", "/v1/transactions/txn_1/accept"},
		{"reject", "/v1/transactions/txn_1/reject"},
		{"ACCEPT", "/v1/transactions/txn_1/accept"},
	}
	for _, tt := range tests {
		t.Run(tt.decision, func(t *testing.T) {
			var gotPath string
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				writeJSON(w, http.StatusOK, map[string]any{"transaction": map[string]any{"id": "txn_1", "status": "accepted"}})
			}))
			defer cleanup()

			res, err := h.HandleRespondTransaction(context.Background(), makeRequest(map[string]any{
				"transaction_id": "txn_1", "decision": tt.decision,
			}))
			require.NoError(t, err)
			assert.False(t, res.IsError)
			assert.Equal(t, tt.path, gotPath)
		})
	}
}

func TestHandleRespondTransaction_BadDecision(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	res, err := h.HandleRespondTransaction(context.Background(), makeRequest(map[string]any{
		"transaction_id": "txn_1", "decision": "maybe",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleFundEscrow(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions/txn_1/escrow/fund", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeJSON(w, http.StatusOK, map[string]any{"transaction": map[string]any{
			"id": "txn_1", "status": "in_progress",
			"escrow": map[string]any{"status": "funded", "amount": 1050, "currency": "USD"},
		}})
	}))
	defer cleanup()

	res, err := h.HandleFundEscrow(context.Background(), makeRequest(map[string]any{
		"transaction_id": "txn_1", "amount": float64(1050),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Escrow: funded (10.50 USD)")
	assert.Equal(t, "USD", body["currency"])
	assert.Equal(t, float64(1050), body["amount"])
}

func TestHandleFundEscrow_RejectsNonPositive(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	res, err := h.HandleFundEscrow(context.Background(), makeRequest(map[string]any{
		"transaction_id": "txn_1", "amount": float64(0),
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleReleaseEscrow_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "escrow_locked", "message": "escrow is held by an open dispute",
		})
	}))
	defer cleanup()

	res, err := h.HandleReleaseEscrow(context.Background(), makeRequest(map[string]any{"transaction_id": "txn_1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "escrow is held by an open dispute")
}

// ============================================================
// Disputes
// ============================================================

func TestHandleCheckDisputeEligibility(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]any
		want string
	}{
		{
			name: "free",
			resp: map[string]any{"canFile": true, "isFree": true, "estimatedCost": 0},
			want: "Filing is free",
		},
		{
			name: "paid",
			resp: map[string]any{"canFile": true, "isFree": false, "estimatedCost": 525},
			want: "costs 5.25",
		},
		{
			name: "refused",
			resp: map[string]any{"canFile": false, "reason": "an active dispute already exists"},
			want: "Cannot file a dispute: an active dispute already exists",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/transactions/txn_1/dispute-eligibility", r.URL.Path)
				writeJSON(w, http.StatusOK, map[string]any{"eligibility": tt.resp})
			}))
			defer cleanup()

			res, err := h.HandleCheckDisputeEligibility(context.Background(), makeRequest(map[string]any{"transaction_id": "txn_1"}))
			require.NoError(t, err)
			assert.False(t, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}
}

func TestHandleFileDispute(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/disputes", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeJSON(w, http.StatusCreated, map[string]any{"dispute": map[string]any{
			"id": "dsp_1", "transactionId": "txn_1", "status": "awaiting_response",
			"claimType": "non_delivery", "claimSummary": "nothing delivered",
			"claimantId": "agt_alice", "respondentId": "agt_bob",
			"responseDeadline": "2026-06-13T09:00:00Z", "creditsCharged": 525,
		}})
	}))
	defer cleanup()

	res, err := h.HandleFileDispute(context.Background(), makeRequest(map[string]any{
		"transaction_id":       "txn_1",
		"claim_type":           "non_delivery",
		"claim_summary":        "nothing delivered",
		"requested_resolution": "full refund",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	text := resultText(t, res)
	assert.Contains(t, text, "Dispute dsp_1 on transaction txn_1")
	assert.Contains(t, text, "awaiting_response")
	assert.Contains(t, text, "Response due: 2026-06-13T09:00:00Z")
	assert.Contains(t, text, "Credits charged: 5.25")
	assert.Equal(t, "full refund", body["requestedResolution"])
}

func TestHandleFileDispute_MissingFields(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer cleanup()

	res, err := h.HandleFileDispute(context.Background(), makeRequest(map[string]any{
		"transaction_id": "txn_1", "claim_type": "quality",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleAddEvidence(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/disputes/dsp_1/evidence", r.URL.Path)
		writeJSON(w, http.StatusCreated, map[string]any{"evidence": map[string]any{
			"id": "evd_1", "evidenceType": "log", "submitterRole": "claimant",
		}})
	}))
	defer cleanup()

	res, err := h.HandleAddEvidence(context.Background(), makeRequest(map[string]any{
		"dispute_id": "dsp_1", "evidence_type": "log", "title": "delivery log", "content": "no upload recorded",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Evidence evd_1 added (log as claimant).", resultText(t, res))
}

func TestHandleGetDecision(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/disputes/dsp_1/decision", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"decision": map[string]any{
			"disputeId": "dsp_1", "status": "ruled", "ruling": "claimant",
			"rulingReasoning": "no delivery evidence", "yourDecision": "rejected",
			"claimantDecision": "accepted", "respondentDecision": "rejected",
			"canEscalate": true,
		}})
	}))
	defer cleanup()

	res, err := h.HandleGetDecision(context.Background(), makeRequest(map[string]any{"dispute_id": "dsp_1"}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Ruling on dsp_1: claimant")
	assert.Contains(t, text, "no delivery evidence")
	assert.Contains(t, text, "Your decision: rejected")
	assert.Contains(t, text, "escalate")
}

func TestHandleDecideRuling(t *testing.T) {
	var gotPath string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{"dispute": map[string]any{
			"id": "dsp_1", "status": "closed", "ruling": "split",
			"claimantDecision": "accepted", "respondentDecision": "accepted",
		}})
	}))
	defer cleanup()

	res, err := h.HandleDecideRuling(context.Background(), makeRequest(map[string]any{
		"dispute_id": "dsp_1", "decision": "accept",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/v1/disputes/dsp_1/accept", gotPath)
	assert.Contains(t, resultText(t, res), "claimant=accepted respondent=accepted")
}

func TestHandleEscalateDispute(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/disputes/dsp_1/escalate", r.URL.Path)
		writeJSON(w, http.StatusCreated, map[string]any{"escalation": map[string]any{
			"id": "esc_1", "status": "pending", "creditsCharged": 2000,
		}})
	}))
	defer cleanup()

	res, err := h.HandleEscalateDispute(context.Background(), makeRequest(map[string]any{
		"dispute_id": "dsp_1", "reason": "arbiter ignored the delivery log",
	}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "esc_1")
	assert.Contains(t, text, "Fee: 20.00")
}

func TestHandleEscalateDispute_InsufficientCredits(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": "insufficient_credits", "message": "balance 500 is below the 2000 escalation fee",
		})
	}))
	defer cleanup()

	res, err := h.HandleEscalateDispute(context.Background(), makeRequest(map[string]any{
		"dispute_id": "dsp_1", "reason": "r",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "402")
}

func TestHandleCheckBalance(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/credits/balance", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"accountId": "acct_alice", "balance": 3000})
	}))
	defer cleanup()

	res, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Credit balance for acct_alice: 30.00", resultText(t, res))
}

// ============================================================
// Formatting helpers
// ============================================================

func TestCents(t *testing.T) {
	assert.Equal(t, "0.00", cents(0))
	assert.Equal(t, "0.05", cents(5))
	assert.Equal(t, "50.00", cents(5000))
	assert.Equal(t, "-1.25", cents(-125))
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", Token: "t"}, "test")
	require.NotNil(t, s)
}
