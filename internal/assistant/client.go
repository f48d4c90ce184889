// Package assistant drives AI conversations over an OpenAI Assistants v2
// style protocol: persistent threads, appended turns, asynchronous runs with
// a tool-invocation handshake, and a stateless chat-completion fallback.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/lunabot/luna/internal/config"
)

// Run lifecycle states as reported by the provider.
const (
	RunQueued         = "queued"
	RunInProgress     = "in_progress"
	RunRequiresAction = "requires_action"
	RunCompleted      = "completed"
	RunFailed         = "failed"
	RunExpired        = "expired"
	RunCancelled      = "cancelled"
	RunCancelling     = "cancelling"
)

// ActiveRunError reports the one-active-run-per-thread conflict. RunID is
// best-effort, extracted from the provider's error text.
type ActiveRunError struct {
	RunID string
}

func (e *ActiveRunError) Error() string {
	return "thread has an active run " + e.RunID
}

var runIDPattern = regexp.MustCompile(`run_[a-zA-Z0-9]+`)

// Run is the provider's view of one unit of assistant work.
type Run struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	RequiredAction *RequiredAction `json:"required_action"`
}

type RequiredAction struct {
	SubmitToolOutputs struct {
		ToolCalls []ToolCall `json:"tool_calls"`
	} `json:"submit_tool_outputs"`
}

// ToolCall is one pending side-effect request inside requires_action.
type ToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToolOutput is the acknowledgement fed back for one tool call.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// Client talks the Assistants v2 wire protocol. The base URL is
// configurable so tests can point it at a local double.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(log *slog.Logger, cfg config.OpenAIConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     log.With(slog.String("service", "openai")),
	}
}

func (c *Client) assistantHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "assistants=v2")
}

// CreateThread opens a new persistent conversation and returns its handle.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doAssistant(ctx, http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create thread: provider returned no id")
	}
	return out.ID, nil
}

// AddUserMessage appends one user turn. Returns *ActiveRunError when the
// thread is locked by a run in flight.
func (c *Client) AddUserMessage(ctx context.Context, threadID, text string) error {
	body := map[string]any{
		"role": "user",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
	}
	if err := c.doAssistant(ctx, http.MethodPost, "/threads/"+threadID+"/messages", body, nil); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// RunRequest selects how a run is created: by assistant id or, as the
// degraded mode, by bare model name.
type RunRequest struct {
	AssistantID  string
	Model        string
	Instructions string
	Tools        []ToolDefinition
}

// ToolDefinition declares one callable function to the provider.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

func (r RunRequest) body() map[string]any {
	body := map[string]any{}
	if r.AssistantID != "" {
		body["assistant_id"] = r.AssistantID
	} else {
		body["model"] = r.Model
	}
	if r.Instructions != "" {
		body["instructions"] = r.Instructions
	}
	if len(r.Tools) > 0 {
		tools := make([]map[string]any, 0, len(r.Tools))
		for _, t := range r.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}

// CreateRun starts a unit of work on the thread.
func (c *Client) CreateRun(ctx context.Context, threadID string, req RunRequest) (Run, error) {
	var run Run
	if err := c.doAssistant(ctx, http.MethodPost, "/threads/"+threadID+"/runs", req.body(), &run); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves the current run state.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	var run Run
	if err := c.doAssistant(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &run); err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// SubmitToolOutputs feeds every pending tool acknowledgement back in one
// batch so the run can resume.
func (c *Client) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) error {
	body := map[string]any{"tool_outputs": outputs}
	path := "/threads/" + threadID + "/runs/" + runID + "/submit_tool_outputs"
	if err := c.doAssistant(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("submit tool outputs: %w", err)
	}
	return nil
}

// LatestAssistantText returns the newest assistant-authored turn of the
// thread, or empty when none exists.
func (c *Client) LatestAssistantText(ctx context.Context, threadID string) (string, error) {
	var out struct {
		Data []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := c.doAssistant(ctx, http.MethodGet, "/threads/"+threadID+"/messages?limit=20", nil, &out); err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, msg := range out.Data {
		if msg.Role != "assistant" {
			continue
		}
		for _, part := range msg.Content {
			if part.Type == "text" && part.Text.Value != "" {
				return part.Text.Value, nil
			}
		}
	}
	return "", nil
}

// ChatCompletion is the stateless single-turn fallback: no tools, fixed
// system preamble, best-effort.
func (c *Client) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature": 0.7,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal completion: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read completion: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("chat completion: status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// doAssistant performs one Assistants API exchange. A 400 mentioning an
// active run is surfaced as *ActiveRunError.
func (c *Client) doAssistant(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.assistantHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(string(raw)), "active run") {
			return &ActiveRunError{RunID: runIDPattern.FindString(string(raw))}
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(raw []byte, n int) string {
	s := string(raw)
	if len(s) > n {
		return s[:n]
	}
	return s
}
