package assistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lunabot/luna/internal/contact"
	"github.com/lunabot/luna/internal/gateway"
)

// Tool names the assistant may call. Closed set; anything else gets a
// failure ack.
const (
	ToolSendFunnelMenu   = "send_funnel_menu"
	ToolSendDemoVideo    = "send_demo_video"
	ToolRequestHandoff   = "request_human_handoff"
	ToolRegisterContact  = "register_new_contact"
	ToolEraseParticipant = "erase_participant_data"
)

const (
	menuPrompt = "Que tipo de vídeo você procura? 🎬"
	menuFooter = "Luna — sua assistente de vídeos"
)

var menuChoices = []string{"Institucional", "3D/IA", "Produto", "Educativo", "Convite", "Homenagem"}

// ToolStore is the persistence surface the tool handlers need.
type ToolStore interface {
	GetOrCreateByPhone(ctx context.Context, phone, name string) (contact.Contact, error)
	SetFunnelState(ctx context.Context, id uuid.UUID, state contact.FunnelState) error
	AppendEvent(ctx context.Context, input contact.AppendEventInput) (contact.Event, error)
	WasRecentlySent(ctx context.Context, id uuid.UUID, kind contact.Kind, window time.Duration) (bool, error)
	Erase(ctx context.Context, id uuid.UUID) error
}

// ToolOptions tunes the side effects behind the dispatch table.
type ToolOptions struct {
	ActionWindow       time.Duration
	DemoVideoURL       string
	HandoffNotifyPhone string
}

// Tools executes the side-effecting actions a run requests. Every handler
// returns a short structured ack; transport failures never reach the run,
// it only learns "done" or "failed".
type Tools struct {
	store  ToolStore
	sender gateway.Sender
	opts   ToolOptions
	logger *slog.Logger
}

func NewTools(log *slog.Logger, store ToolStore, sender gateway.Sender, opts ToolOptions) *Tools {
	if log == nil {
		log = slog.Default()
	}
	return &Tools{
		store:  store,
		sender: sender,
		opts:   opts,
		logger: log.With(slog.String("service", "tools")),
	}
}

// Definitions declares the dispatch table to the provider when a run is
// created by bare model (assistants configured server-side carry their own).
func Definitions() []ToolDefinition {
	object := func(props map[string]any) map[string]any {
		return map[string]any{"type": "object", "properties": props}
	}
	return []ToolDefinition{
		{Name: ToolSendFunnelMenu, Description: "Envia o menu de formatos de vídeo para o contato.", Parameters: object(nil)},
		{Name: ToolSendDemoVideo, Description: "Envia o vídeo de demonstração para o contato.", Parameters: object(nil)},
		{Name: ToolRequestHandoff, Description: "Aciona um atendente humano para este contato.", Parameters: object(nil)},
		{Name: ToolRegisterContact, Description: "Cadastra um novo contato indicado pelo cliente.", Parameters: object(map[string]any{
			"phone": map[string]any{"type": "string"},
			"name":  map[string]any{"type": "string"},
		})},
		{Name: ToolEraseParticipant, Description: "Apaga todos os dados deste contato (pedido de privacidade).", Parameters: object(nil)},
	}
}

// Execute runs one tool call for the contact and returns the ack string.
func (t *Tools) Execute(ctx context.Context, c contact.Contact, name, arguments string) string {
	t.logger.Info("tool call", slog.String("tool", name), slog.String("phone", c.Phone))
	switch name {
	case ToolSendFunnelMenu:
		return t.sendFunnelMenu(ctx, c)
	case ToolSendDemoVideo:
		return t.sendDemoVideo(ctx, c)
	case ToolRequestHandoff:
		return t.requestHandoff(ctx, c)
	case ToolRegisterContact:
		return t.registerContact(ctx, arguments)
	case ToolEraseParticipant:
		return t.eraseParticipant(ctx, c)
	default:
		t.logger.Warn("unknown tool requested", slog.String("tool", name))
		return "failed: unknown tool " + name
	}
}

func (t *Tools) sendFunnelMenu(ctx context.Context, c contact.Contact) string {
	if t.alreadySent(ctx, c, contact.KindMenu) {
		return "skipped: menu already sent"
	}
	if err := t.sender.SendMenu(ctx, c.Phone, menuPrompt, menuChoices, menuFooter); err != nil {
		t.logger.Error("menu send failed", slog.String("phone", c.Phone), slog.Any("error", err))
		return "failed: could not deliver menu"
	}
	t.record(ctx, c.ID, contact.KindMenu, menuPrompt, "")
	t.setState(ctx, c.ID, contact.StateMenuOffered)
	return "done"
}

func (t *Tools) sendDemoVideo(ctx context.Context, c contact.Contact) string {
	if t.opts.DemoVideoURL == "" {
		return "failed: no demo video configured"
	}
	if t.alreadySent(ctx, c, contact.KindVideo) {
		return "skipped: video already sent"
	}
	if err := t.sender.SendMedia(ctx, c.Phone, t.opts.DemoVideoURL, "", contact.KindVideo); err != nil {
		t.logger.Error("demo video send failed", slog.String("phone", c.Phone), slog.Any("error", err))
		return "failed: could not deliver video"
	}
	t.record(ctx, c.ID, contact.KindVideo, "", t.opts.DemoVideoURL)
	t.setState(ctx, c.ID, contact.StateVideoSent)
	return "done"
}

func (t *Tools) requestHandoff(ctx context.Context, c contact.Contact) string {
	if t.opts.HandoffNotifyPhone == "" {
		return "failed: no team phone configured"
	}
	who := c.DisplayName
	if who == "" {
		who = "(sem nome)"
	}
	note := "Novo lead pediu atendimento: " + who + " — " + c.Phone
	if err := t.sender.SendText(ctx, t.opts.HandoffNotifyPhone, note); err != nil {
		t.logger.Error("handoff notification failed", slog.String("phone", c.Phone), slog.Any("error", err))
		return "failed: could not notify team"
	}
	t.record(ctx, c.ID, contact.KindHandoffOffer, note, "")
	return "done"
}

func (t *Tools) registerContact(ctx context.Context, arguments string) string {
	var args struct {
		Phone string `json:"phone"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Phone == "" {
		return "failed: invalid arguments"
	}
	if _, err := t.store.GetOrCreateByPhone(ctx, args.Phone, args.Name); err != nil {
		t.logger.Error("register contact failed", slog.String("phone", args.Phone), slog.Any("error", err))
		return "failed: could not register contact"
	}
	return "done"
}

func (t *Tools) eraseParticipant(ctx context.Context, c contact.Contact) string {
	if err := t.store.Erase(ctx, c.ID); err != nil {
		t.logger.Error("erase failed", slog.String("phone", c.Phone), slog.Any("error", err))
		return "failed: could not erase data"
	}
	return "done"
}

// alreadySent is the anti-duplicate guard for heavy actions.
func (t *Tools) alreadySent(ctx context.Context, c contact.Contact, kind contact.Kind) bool {
	sent, err := t.store.WasRecentlySent(ctx, c.ID, kind, t.opts.ActionWindow)
	if err != nil {
		t.logger.Warn("duplicate window check failed", slog.Any("error", err))
		return false
	}
	return sent
}

func (t *Tools) record(ctx context.Context, contactID uuid.UUID, kind contact.Kind, body, mediaRef string) {
	_, err := t.store.AppendEvent(ctx, contact.AppendEventInput{
		ContactID: contactID,
		Direction: contact.DirectionOutbound,
		Kind:      kind,
		Body:      body,
		MediaRef:  mediaRef,
	})
	if err != nil {
		t.logger.Error("record tool event failed", slog.Any("error", err))
	}
}

func (t *Tools) setState(ctx context.Context, contactID uuid.UUID, state contact.FunnelState) {
	if err := t.store.SetFunnelState(ctx, contactID, state); err != nil {
		t.logger.Error("set funnel state failed", slog.Any("error", err))
	}
}
