// Package agentsvc is the HTTP client for the external agent service (spec
// component L4): agent listing, conversation lifecycle, and streaming /
// non-streaming message submission.
package agentsvc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/bdobrica/ruriko-bridge/common/redact"
	"github.com/bdobrica/ruriko-bridge/common/trace"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/berrors"
)

// Per-operation timeout constants, mirroring the teacher's acp.Client.
const (
	timeoutList      = 10 * time.Second
	timeoutMutate    = 15 * time.Second
	timeoutSendSetup = 30 * time.Second
)

// maxResponseBytes caps non-streaming response bodies to prevent memory
// exhaustion from a misbehaving agent service.
const maxResponseBytes = 1 << 20 // 1 MiB

// pageSize is the page size requested on list_agents calls. The adapter
// iterates every page regardless of how many the server reports — the
// source's hardcoded 50-agent cap is the bug this spec calls out (B1).
const pageSize = 50

// Options configures a Client.
type Options struct {
	Token string
}

// Client is an HTTP client for the agent service's conversational API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates an agent-service client targeting baseURL.
func New(baseURL string, opts ...Options) *Client {
	var token string
	if len(opts) > 0 {
		token = opts[0].Token
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

type listAgentsResponse struct {
	Agents        []Agent `json:"agents"`
	NextPageToken string  `json:"next_page_token"`
}

// ListAgents fetches every page of the agent registry. Unlike the source
// this adapter replaces, it never stops at an arbitrary page count: it
// follows next_page_token until the server returns none (B1).
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutList)
	defer cancel()

	var all []Agent
	pageToken := ""
	for {
		path := fmt.Sprintf("/v1/agents?limit=%d", pageSize)
		if pageToken != "" {
			path += "&page_token=" + pageToken
		}
		var page listAgentsResponse
		if err := c.get(ctx, path, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Agents...)
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return all, nil
}

type createConversationRequest struct {
	AgentID             string   `json:"agent_id"`
	IsolatedBlockLabels []string `json:"isolated_block_labels,omitempty"`
}

type createConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// CreateConversation opens a fresh conversation scoped to agentID.
func (c *Client) CreateConversation(ctx context.Context, agentID string, isolatedBlockLabels []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutMutate)
	defer cancel()

	var resp createConversationResponse
	req := createConversationRequest{AgentID: agentID, IsolatedBlockLabels: isolatedBlockLabels}
	if err := c.post(ctx, "/v1/conversations", req, &resp, true); err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}

// VerifyConversation reports whether conversationID still exists on the
// agent service. A 404 is not an error here — it is the "not_found" result
// the Router uses to decide whether to mint a fresh conversation.
func (c *Client) VerifyConversation(ctx context.Context, agentID, conversationID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutMutate)
	defer cancel()

	path := fmt.Sprintf("/v1/agents/%s/conversations/%s", agentID, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	c.setCommonHeaders(req, false)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, berrors.Wrap(berrors.KindTransientNetwork, "verify_conversation request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 400:
		return false, berrors.Wrap(berrors.KindTransientNetwork, fmt.Sprintf("verify_conversation → %d", resp.StatusCode), nil)
	default:
		return true, nil
	}
}

// SendNonStreaming submits a message and waits for the final text, with no
// intermediate stream events. Used as a fallback when streaming is disabled.
func (c *Client) SendNonStreaming(ctx context.Context, agentID, conversationID, userText string, envelope Envelope) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutSendSetup)
	defer cancel()

	body := sendRequest{
		AgentID:        agentID,
		ConversationID: conversationID,
		UserText:       userText,
		Envelope:       envelope,
		Stream:         false,
	}
	var resp struct {
		Text string `json:"text"`
	}
	if err := c.sendWithRetry(ctx, "/v1/messages", body, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

type sendRequest struct {
	AgentID        string   `json:"agent_id"`
	ConversationID string   `json:"conversation_id,omitempty"`
	UserText       string   `json:"user_text"`
	Envelope       Envelope `json:"envelope"`
	Stream         bool     `json:"stream"`
}

// SendStreaming submits a message and returns a channel of decoded stream
// events (spec §4.L4 taxonomy). The channel is closed when the stream ends
// (after a stop or error event, or the body is exhausted). The retry policy
// (409 BUSY → backoff/v5, capped 3 attempts) is applied only to the initial
// request; once streaming begins, mid-stream errors are surfaced as an
// EventError and the stream ends.
func (c *Client) SendStreaming(ctx context.Context, agentID, conversationID, userText string, envelope Envelope) (<-chan StreamEvent, error) {
	body := sendRequest{
		AgentID:        agentID,
		ConversationID: conversationID,
		UserText:       userText,
		Envelope:       envelope,
		Stream:         true,
	}
	resp, err := c.openStreamWithRetry(ctx, "/v1/messages", body)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			line = bytes.TrimPrefix(line, []byte("data: "))
			evt, err := decodeStreamEvent(line)
			if err != nil {
				events <- StreamEvent{Type: EventError, ErrorMessage: err.Error()}
				return
			}
			events <- evt
			if evt.Type == EventStop || evt.Type == EventError {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return events, nil
}

// openStreamWithRetry implements the 409 BUSY retry policy on the initial
// streaming request: 3 attempts with exponential backoff between them
// (≈1s, then ≈2s; intervals capped at 8s), using cenkalti/backoff/v5's
// ExponentialBackOff.
func (c *Client) openStreamWithRetry(ctx context.Context, path string, body sendRequest) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 1 * time.Second
	policy.Multiplier = 2
	policy.MaxInterval = 8 * time.Second

	return backoff.Retry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if body.Stream {
			req.Header.Set("Accept", "text/event-stream")
		}
		c.setCommonHeaders(req, true)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, berrors.Wrap(berrors.KindTransientNetwork, "send request failed", err)
		}
		if resp.StatusCode == http.StatusConflict {
			resp.Body.Close()
			return nil, berrors.Wrap(berrors.KindRateLimited, "agent busy (409)", nil)
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, backoff.Permanent(berrors.Wrap(berrors.KindTransientNetwork, fmt.Sprintf("agent service → %d", resp.StatusCode), nil))
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, backoff.Permanent(berrors.Wrap(berrors.KindMalformedInput, fmt.Sprintf("agent service → %d", resp.StatusCode), nil))
		}
		return resp, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(3),
	)
}

// sendWithRetry applies the same retry policy to a non-streaming request
// and decodes the JSON response into out.
func (c *Client) sendWithRetry(ctx context.Context, path string, body sendRequest, out any) error {
	resp, err := c.openStreamWithRetry(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes)
	bodyBytes, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setCommonHeaders(req, false)
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any, idempotent bool) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setCommonHeaders(req, idempotent)
	return c.do(req, out)
}

func (c *Client) setCommonHeaders(req *http.Request, addIdempotencyKey bool) {
	if traceID := trace.FromContext(req.Context()); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}
	reqID := trace.GenerateID()
	req.Header.Set("X-Request-ID", reqID)
	if addIdempotencyKey {
		req.Header.Set("X-Idempotency-Key", reqID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return berrors.Wrap(berrors.KindTransientNetwork, fmt.Sprintf("request %s %s failed", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes)
	bodyBytes, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		msg := fmt.Sprintf("agent service %s %s → %d %s", req.Method, req.URL.Path, resp.StatusCode, resp.Status)
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil && errResp.Error != "" {
			msg += ": " + errResp.Error
		} else if snippet := string(bodyBytes); snippet != "" {
			if len(snippet) > 200 {
				snippet = snippet[:200] + "…"
			}
			msg += ": " + snippet
		}
		// The agent service has been observed echoing request headers back in
		// malformed-request bodies; scrub our own bearer token before it ends
		// up in a wrapped error that a caller logs.
		msg = redact.String(msg, c.token)
		kind := berrors.KindTransientNetwork
		if resp.StatusCode == http.StatusNotFound {
			kind = berrors.KindNotFound
		} else if resp.StatusCode == http.StatusConflict {
			kind = berrors.KindConflict
		} else if resp.StatusCode == http.StatusUnauthorized {
			kind = berrors.KindAuthExpired
		} else if resp.StatusCode == http.StatusTooManyRequests {
			kind = berrors.KindRateLimited
		}
		return berrors.Wrap(kind, msg, nil)
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
