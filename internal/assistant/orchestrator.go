package assistant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lunabot/luna/internal/config"
	"github.com/lunabot/luna/internal/contact"
)

// fallbackPreamble steers the stateless completion when the run protocol
// cannot produce an answer.
const fallbackPreamble = "Você é a Luna, assistente de uma produtora de vídeos. Responda sempre em PT-BR, de forma direta e simpática."

// ThreadStore persists the lazily created AI-conversation handle.
type ThreadStore interface {
	SetThreadID(ctx context.Context, id uuid.UUID, threadID string) error
}

// Orchestrator owns the run lifecycle: append turn, start run, drive the
// tool handshake, collect the reply. The human always gets some text back;
// protocol failures degrade to the chat-completion fallback.
type Orchestrator struct {
	client       *Client
	store        ThreadStore
	tools        *Tools
	assistantID  string
	instructions string
	pollLimit    int
	waitLimit    int
	interval     time.Duration
	logger       *slog.Logger
}

func NewOrchestrator(log *slog.Logger, client *Client, store ThreadStore, tools *Tools, cfg config.OpenAIConfig) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	pollLimit := cfg.PollSeconds
	if pollLimit <= 0 {
		pollLimit = 60
	}
	waitLimit := cfg.WaitSeconds
	if waitLimit <= 0 {
		waitLimit = 45
	}
	return &Orchestrator{
		client:       client,
		store:        store,
		tools:        tools,
		assistantID:  cfg.AssistantID,
		instructions: cfg.RunInstructions,
		pollLimit:    pollLimit,
		waitLimit:    waitLimit,
		interval:     time.Second,
		logger:       log.With(slog.String("service", "assistant")),
	}
}

// EnsureThread returns the contact's conversation handle, creating and
// persisting one on first use.
func (o *Orchestrator) EnsureThread(ctx context.Context, c *contact.Contact) (string, error) {
	if c.ThreadID != "" {
		return c.ThreadID, nil
	}
	threadID, err := o.client.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	if err := o.store.SetThreadID(ctx, c.ID, threadID); err != nil {
		return "", err
	}
	c.ThreadID = threadID
	return threadID, nil
}

// Ask appends the user turn and drives one run to a reply.
func (o *Orchestrator) Ask(ctx context.Context, c contact.Contact, text string) (string, error) {
	threadID, err := o.EnsureThread(ctx, &c)
	if err != nil {
		o.logger.Error("thread unavailable, falling back", slog.String("phone", c.Phone), slog.Any("error", err))
		return o.fallback(ctx, text)
	}

	o.appendTurn(ctx, threadID, text)

	run, ok := o.startRun(ctx, threadID)
	if !ok {
		return o.fallback(ctx, text)
	}

	return o.awaitReply(ctx, c, threadID, run.ID, text)
}

// appendTurn posts the user message. An active-run conflict waits the run
// out and retries once; a turn that still cannot be appended is logged and
// the run proceeds without it.
func (o *Orchestrator) appendTurn(ctx context.Context, threadID, text string) {
	err := o.client.AddUserMessage(ctx, threadID, text)
	var active *ActiveRunError
	if errors.As(err, &active) {
		o.logger.Info("active run detected, waiting", slog.String("thread", threadID), slog.String("run", active.RunID))
		o.waitForRun(ctx, threadID, active.RunID)
		err = o.client.AddUserMessage(ctx, threadID, text)
	}
	if err != nil {
		o.logger.Warn("append user turn failed", slog.String("thread", threadID), slog.Any("error", err))
	}
}

// startRun creates the run by assistant id, retrying by bare model when the
// provider rejects that body.
func (o *Orchestrator) startRun(ctx context.Context, threadID string) (Run, bool) {
	req := RunRequest{AssistantID: o.assistantID, Instructions: o.instructions}

	run, err := o.client.CreateRun(ctx, threadID, req)
	var active *ActiveRunError
	if errors.As(err, &active) {
		o.waitForRun(ctx, threadID, active.RunID)
		run, err = o.client.CreateRun(ctx, threadID, req)
	}
	if err != nil {
		o.logger.Warn("run by assistant id failed, retrying by model", slog.Any("error", err))
		run, err = o.client.CreateRun(ctx, threadID, RunRequest{
			Model:        o.client.model,
			Instructions: o.instructions,
			Tools:        Definitions(),
		})
	}
	if err != nil || run.ID == "" {
		o.logger.Error("could not start run", slog.String("thread", threadID), slog.Any("error", err))
		return Run{}, false
	}
	return run, true
}

// awaitReply polls the run to a terminal state, serving tool handshakes as
// they appear. Poll exhaustion and failed terminal states degrade to the
// fallback.
func (o *Orchestrator) awaitReply(ctx context.Context, c contact.Contact, threadID, runID, text string) (string, error) {
	for i := 0; i < o.pollLimit; i++ {
		run, err := o.client.GetRun(ctx, threadID, runID)
		if err != nil {
			o.logger.Warn("run poll failed", slog.String("run", runID), slog.Any("error", err))
			return o.fallback(ctx, text)
		}

		switch run.Status {
		case RunCompleted:
			reply, err := o.client.LatestAssistantText(ctx, threadID)
			if err != nil || reply == "" {
				o.logger.Warn("completed run had no reply", slog.String("run", runID), slog.Any("error", err))
				return o.fallback(ctx, text)
			}
			return reply, nil

		case RunRequiresAction:
			if err := o.serveToolCalls(ctx, c, threadID, run); err != nil {
				o.logger.Warn("tool handshake failed", slog.String("run", runID), slog.Any("error", err))
				return o.fallback(ctx, text)
			}
			continue

		case RunFailed, RunExpired, RunCancelled:
			o.logger.Warn("run reached failure state", slog.String("run", runID), slog.String("status", run.Status))
			return o.fallback(ctx, text)
		}

		if !o.sleep(ctx) {
			return o.fallback(ctx, text)
		}
	}
	o.logger.Warn("run did not finish in time", slog.String("run", runID))
	return o.fallback(ctx, text)
}

// serveToolCalls executes every pending call and submits the acks as one
// batch.
func (o *Orchestrator) serveToolCalls(ctx context.Context, c contact.Contact, threadID string, run Run) error {
	if run.RequiredAction == nil {
		return errors.New("requires_action without pending tool calls")
	}
	calls := run.RequiredAction.SubmitToolOutputs.ToolCalls
	outputs := make([]ToolOutput, 0, len(calls))
	for _, call := range calls {
		ack := o.tools.Execute(ctx, c, call.Function.Name, call.Function.Arguments)
		outputs = append(outputs, ToolOutput{ToolCallID: call.ID, Output: ack})
	}
	return o.client.SubmitToolOutputs(ctx, threadID, run.ID, outputs)
}

// waitForRun blocks until a conflicting run reaches a terminal state or the
// bounded wait is spent. Without a run id there is nothing to poll, so it
// waits one interval and moves on.
func (o *Orchestrator) waitForRun(ctx context.Context, threadID, runID string) {
	if runID == "" {
		o.sleep(ctx)
		return
	}
	for i := 0; i < o.waitLimit; i++ {
		run, err := o.client.GetRun(ctx, threadID, runID)
		if err != nil {
			return
		}
		switch run.Status {
		case RunCompleted, RunFailed, RunExpired, RunCancelled:
			return
		}
		if !o.sleep(ctx) {
			return
		}
	}
}

func (o *Orchestrator) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(o.interval):
		return true
	}
}

// fallback is the last line: stateless single-turn completion so the human
// still receives a reply.
func (o *Orchestrator) fallback(ctx context.Context, text string) (string, error) {
	reply, err := o.client.ChatCompletion(ctx, fallbackPreamble, text)
	if err != nil {
		return "", err
	}
	return reply, nil
}
