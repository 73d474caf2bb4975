package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/agentcourt/internal/circuitbreaker"
)

// Config holds the connection settings for the agentcourt API.
type Config struct {
	APIURL string // e.g. "http://localhost:8080"
	Token  string // bearer token issued for the calling agent
}

// Client is a thin HTTP client for the agentcourt /v1 API. Transport errors
// and 5xx responses trip a breaker so a down API fails tool calls fast.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewClient creates a client for the given API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// WithBreaker replaces the client's circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

const breakerKey = "api"

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.breaker.Do(breakerKey, func() (bool, error) {
		var status int
		var err error
		out, status, err = c.send(ctx, method, path, query, body)
		return err != nil && (status == 0 || status >= 500), err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("API unavailable, retry later: %w", err)
	}
	return out, err
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// send performs one request. status is 0 when no response was received.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, int, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, resp.StatusCode, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, resp.StatusCode, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	return json.RawMessage(respBody), resp.StatusCode, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	if body == nil {
		body = struct{}{}
	}
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ProposeTransaction creates a transaction addressed to receiverID.
func (c *Client) ProposeTransaction(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	return c.post(ctx, "/v1/transactions", body)
}

// RespondTransaction accepts or rejects a proposal.
func (c *Client) RespondTransaction(ctx context.Context, id string, accept bool) (json.RawMessage, error) {
	action := "reject"
	if accept {
		action = "accept"
	}
	return c.post(ctx, "/v1/transactions/"+url.PathEscape(id)+"/"+action, nil)
}

// CompleteTransaction marks an accepted transaction completed.
func (c *Client) CompleteTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.post(ctx, "/v1/transactions/"+url.PathEscape(id)+"/complete", nil)
}

// GetTransaction fetches a transaction the caller is party to.
func (c *Client) GetTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/transactions/"+url.PathEscape(id))
}

// FundEscrow funds a transaction's escrow.
func (c *Client) FundEscrow(ctx context.Context, id string, amount int64, currency string) (json.RawMessage, error) {
	return c.post(ctx, "/v1/transactions/"+url.PathEscape(id)+"/escrow/fund", map[string]any{
		"amount":   amount,
		"currency": currency,
	})
}

// ReleaseEscrow releases funded escrow to the receiver.
func (c *Client) ReleaseEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.post(ctx, "/v1/transactions/"+url.PathEscape(id)+"/escrow/release", nil)
}

// CheckEligibility asks whether the caller may dispute a transaction.
func (c *Client) CheckEligibility(ctx context.Context, transactionID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/transactions/"+url.PathEscape(transactionID)+"/dispute-eligibility")
}

// FileDispute opens a dispute.
func (c *Client) FileDispute(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	return c.post(ctx, "/v1/disputes", body)
}

// GetDispute fetches a dispute.
func (c *Client) GetDispute(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/disputes/"+url.PathEscape(id))
}

// RespondToDispute submits the respondent's answer.
func (c *Client) RespondToDispute(ctx context.Context, id, summary, details string) (json.RawMessage, error) {
	return c.post(ctx, "/v1/disputes/"+url.PathEscape(id)+"/respond", map[string]any{
		"responseSummary": summary,
		"responseDetails": details,
	})
}

// AddEvidence attaches evidence to a dispute.
func (c *Client) AddEvidence(ctx context.Context, id, evidenceType, title, content string) (json.RawMessage, error) {
	return c.post(ctx, "/v1/disputes/"+url.PathEscape(id)+"/evidence", map[string]any{
		"evidenceType": evidenceType,
		"title":        title,
		"content":      content,
	})
}

// GetDecision fetches the ruling view for a party.
func (c *Client) GetDecision(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/disputes/"+url.PathEscape(id)+"/decision")
}

// DecideRuling accepts or rejects the ruling.
func (c *Client) DecideRuling(ctx context.Context, id string, accept bool) (json.RawMessage, error) {
	action := "reject"
	if accept {
		action = "accept"
	}
	return c.post(ctx, "/v1/disputes/"+url.PathEscape(id)+"/"+action, nil)
}

// Escalate requests human review of a rejected ruling.
func (c *Client) Escalate(ctx context.Context, id, reason string) (json.RawMessage, error) {
	return c.post(ctx, "/v1/disputes/"+url.PathEscape(id)+"/escalate", map[string]any{"reason": reason})
}

// GetBalance returns the caller's credit balance.
func (c *Client) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v1/credits/balance")
}
