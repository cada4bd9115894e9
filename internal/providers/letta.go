package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentengine/internal/store"
)

const (
	lettaDefaultBase    = "https://app.letta.com"
	lettaDefaultTimeout = 600 * time.Second

	// maxErrorBody caps how much of an error response is kept in messages.
	maxErrorBody = 512
)

// LettaConfig configures LettaClient.
type LettaConfig struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute int // 0 = unlimited
	HTTPClient        *http.Client
}

// LettaClient sends activation messages to a Letta agent server.
type LettaClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewLettaClient creates a client; zero config fields take defaults.
func NewLettaClient(cfg LettaConfig) *LettaClient {
	c := &LettaClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = lettaDefaultBase
	}
	if c.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = lettaDefaultTimeout
		}
		c.client = &http.Client{Timeout: timeout}
	}
	if cfg.RequestsPerMinute > 0 {
		rps := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		c.limiter = rate.NewLimiter(rps, cfg.RequestsPerMinute)
	}
	return c
}

func (c *LettaClient) Name() string { return "letta" }

// Invoke posts the instruction as a user message to the agent.
// POST {base}/v1/agents/{agent_id}/messages with {"messages":[{"role":"user","content":...}]}.
func (c *LettaClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		return nil, &Error{Kind: KindRateLimited, Message: "client-side request limit reached"}
	}

	body := map[string]any{
		"messages": []map[string]any{
			{"role": "user", "content": req.Instruction},
		},
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal letta request: %w", err)
	}

	endpoint := c.baseURL + "/v1/agents/" + url.PathEscape(req.AgentID) + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, fmt.Errorf("create letta request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := ClassifyStatus(resp.StatusCode)
		slog.Debug("letta request failed", "agent", req.AgentID, "status", resp.StatusCode, "kind", kind)
		return nil, &Error{
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(respBody)), maxErrorBody),
		}
	}

	out, err := parseLettaResponse(respBody)
	if err != nil {
		return nil, &Error{Kind: KindTransient, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return out, nil
}

// --- wire types ---

type lettaResponse struct {
	Messages   []lettaMessage  `json:"messages"`
	StopReason json.RawMessage `json:"stop_reason"`
	Usage      *lettaUsage     `json:"usage"`
}

type lettaMessage struct {
	MessageType string          `json:"message_type"`
	Role        string          `json:"role"`
	Content     json.RawMessage `json:"content"`
	ToolCall    *lettaToolCall  `json:"tool_call"`
	ToolCalls   []lettaToolCall `json:"tool_calls"`
}

type lettaToolCall struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	ToolCallID string          `json:"tool_call_id"`
	ID         string          `json:"id"`
}

type lettaUsage struct {
	TotalTokens      int `json:"total_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	InputTokens      int `json:"input_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	OutputTokens     int `json:"output_tokens"`
}

func parseLettaResponse(data []byte) (*Response, error) {
	var lr lettaResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return nil, err
	}

	out := &Response{StopReason: parseStopReason(lr.StopReason)}

	for _, m := range lr.Messages {
		switch {
		case m.MessageType == "assistant_message" || (m.MessageType == "" && m.Role == "assistant"):
			if text := contentText(m.Content); text != "" {
				out.Text = text // last assistant message wins
			}
			for _, tc := range m.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, tc.toToolCall())
			}
		case m.MessageType == "tool_call_message":
			if m.ToolCall != nil {
				out.ToolCalls = append(out.ToolCalls, m.ToolCall.toToolCall())
			}
			for _, tc := range m.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, tc.toToolCall())
			}
		}
	}

	if u := lr.Usage; u != nil {
		out.Usage = store.Usage{
			Tokens:       u.TotalTokens,
			InputTokens:  firstNonZero(u.PromptTokens, u.InputTokens),
			OutputTokens: firstNonZero(u.CompletionTokens, u.OutputTokens),
		}
		if out.Usage.Tokens == 0 {
			out.Usage.Tokens = out.Usage.InputTokens + out.Usage.OutputTokens
		}
	}
	return out, nil
}

func (tc lettaToolCall) toToolCall() store.ToolCall {
	id := tc.ToolCallID
	if id == "" {
		id = tc.ID
	}
	return store.ToolCall{Name: tc.Name, Arguments: normalizeArguments(tc.Arguments), CallID: id}
}

// normalizeArguments unwraps arguments sent as a JSON-encoded string.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if json.Valid([]byte(s)) {
			return json.RawMessage(s)
		}
		quoted, _ := json.Marshal(s)
		return quoted
	}
	return raw
}

// contentText accepts a plain string or a list of {type, text} parts.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
		return b.String()
	}
	return ""
}

// parseStopReason accepts "end_turn" or {"stop_reason":"end_turn", ...}.
func parseStopReason(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.StopReason
	}
	return ""
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
