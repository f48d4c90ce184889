package funnel

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lunabot/luna/internal/contact"
	"github.com/lunabot/luna/internal/gateway"
)

// Scripted replies. The AI only speaks on the default path; every guard-rail
// answer is fixed copy.
const (
	MsgClosing          = "Tudo bem! Se mudar de ideia é só me chamar por aqui. 😊"
	MsgHandoffOffer     = "Quer falar com um especialista agora ou prefere que a gente te chame mais tarde?"
	MsgNameRequest      = "Pra eu te direcionar certinho, me diz: qual é o seu nome?"
	MsgHandoffConfirmed = "Perfeito! Já avisei nosso time e alguém vai falar com você em instantes. 🙌"
	MsgDeferred         = "Sem problemas! Vamos te chamar mais tarde então. 🙂"
	MsgFallback         = "Desculpe, não consegui processar sua mensagem agora."

	demoVideoCaption = "Dá uma olhada nesse exemplo do que a gente faz! 🎬"
)

// directivePattern matches machine markup ([[...]]) the AI may embed in a
// reply. It never reaches the human.
var directivePattern = regexp.MustCompile(`\[\[[^\]]*\]\]`)

// Store is the contact persistence surface the dispatcher drives.
type Store interface {
	SetDisplayName(ctx context.Context, id uuid.UUID, name string) error
	SetFunnelState(ctx context.Context, id uuid.UUID, state contact.FunnelState) error
	IncNameAskCount(ctx context.Context, id uuid.UUID) (int, error)
	ResetNameAskCount(ctx context.Context, id uuid.UUID) error
	AppendEvent(ctx context.Context, input contact.AppendEventInput) (contact.Event, error)
	WasRecentlySent(ctx context.Context, id uuid.UUID, kind contact.Kind, window time.Duration) (bool, error)
}

// Asker produces the AI reply for the default path.
type Asker interface {
	Ask(ctx context.Context, c contact.Contact, text string) (string, error)
}

// Options tunes the guard-rail windows and funnel assets.
type Options struct {
	MenuWindow         time.Duration
	ActionWindow       time.Duration
	NameAskLimit       int
	DemoVideoURL       string
	HandoffNotifyPhone string
}

// Dispatcher applies the fixed guard-rail priority over (inbound text,
// funnel state) before anything reaches the AI.
type Dispatcher struct {
	store  Store
	ai     Asker
	sender gateway.Sender
	interp Interpreter
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewDispatcher(log *slog.Logger, store Store, ai Asker, sender gateway.Sender, interp Interpreter, opts Options) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		ai:     ai,
		sender: sender,
		interp: interp,
		opts:   opts,
		logger: log.With(slog.String("service", "funnel")),
		now:    time.Now,
	}
}

// Handle routes one inbound text message. Rules short-circuit in priority
// order; only the last rule consults the AI.
func (d *Dispatcher) Handle(ctx context.Context, c contact.Contact, text string) error {
	open := StateOpen(c.FunnelState, c.FunnelStateChangedAt, d.now(), d.opts.MenuWindow)

	switch {
	case open && c.FunnelState == contact.StateMenuOffered && d.interp.Affirmative(text):
		return d.fireVideoStep(ctx, c)

	case open && c.FunnelState == contact.StateMenuOffered && d.interp.Negative(text):
		return d.closeFunnel(ctx, c)

	case open && c.FunnelState == contact.StateMenuOffered:
		// A format answer ("era 3D") is a menu selection too.
		if format, ok := d.interp.Format(text); ok {
			d.logger.Info("menu format selected",
				slog.String("phone", c.Phone), slog.String("format", format))
			return d.fireVideoStep(ctx, c)
		}

	case open && c.FunnelState == contact.StateAwaitingName:
		return d.receiveName(ctx, c, text)

	case open && c.FunnelState == contact.StateHandoffOffered && d.interp.WantsNow(text):
		if c.DisplayName == "" {
			return d.askForName(ctx, c)
		}
		return d.completeHandoff(ctx, c)

	case open && c.FunnelState == contact.StateHandoffOffered && d.interp.WantsLater(text):
		return d.deferHandoff(ctx, c)
	}

	return d.askAI(ctx, c, text, open)
}

// fireVideoStep sends the demo video (unless one went out inside the
// anti-duplicate window) and follows with the handoff offer.
func (d *Dispatcher) fireVideoStep(ctx context.Context, c contact.Contact) error {
	sentRecently, err := d.store.WasRecentlySent(ctx, c.ID, contact.KindVideo, d.opts.ActionWindow)
	if err != nil {
		d.logger.Warn("video window check failed", slog.String("phone", c.Phone), slog.Any("error", err))
	}
	if !sentRecently && d.opts.DemoVideoURL != "" {
		if err := d.sender.SendMedia(ctx, c.Phone, d.opts.DemoVideoURL, demoVideoCaption, contact.KindVideo); err != nil {
			d.logger.Error("demo video send failed", slog.String("phone", c.Phone), slog.Any("error", err))
		} else {
			d.recordOutbound(ctx, c.ID, contact.KindVideo, demoVideoCaption, d.opts.DemoVideoURL)
		}
	}

	d.sendText(ctx, c, MsgHandoffOffer, contact.KindHandoffOffer)
	return d.transition(ctx, c, contact.StateHandoffOffered)
}

func (d *Dispatcher) closeFunnel(ctx context.Context, c contact.Contact) error {
	d.sendText(ctx, c, MsgClosing, contact.KindText)
	return d.transition(ctx, c, contact.StateIdle)
}

// receiveName treats the inbound text as a candidate display name. An
// unusable reply re-asks up to the configured ceiling, then the handoff
// proceeds without a name.
func (d *Dispatcher) receiveName(ctx context.Context, c contact.Contact, text string) error {
	name, ok := SanitizeName(text)
	if ok {
		if err := d.store.SetDisplayName(ctx, c.ID, name); err != nil {
			d.logger.Error("persist display name failed", slog.String("phone", c.Phone), slog.Any("error", err))
		} else {
			c.DisplayName = name
		}
		if err := d.store.ResetNameAskCount(ctx, c.ID); err != nil {
			d.logger.Warn("reset name ask count failed", slog.Any("error", err))
		}
		return d.completeHandoff(ctx, c)
	}

	if c.NameAskedCount >= d.opts.NameAskLimit {
		d.logger.Info("name ask ceiling reached, proceeding without name",
			slog.String("phone", c.Phone), slog.Int("asked", c.NameAskedCount))
		return d.completeHandoff(ctx, c)
	}
	return d.askForName(ctx, c)
}

func (d *Dispatcher) askForName(ctx context.Context, c contact.Contact) error {
	if _, err := d.store.IncNameAskCount(ctx, c.ID); err != nil {
		d.logger.Warn("bump name ask count failed", slog.Any("error", err))
	}
	d.sendText(ctx, c, MsgNameRequest, contact.KindNameRequest)
	if c.FunnelState == contact.StateAwaitingName {
		return nil
	}
	return d.transition(ctx, c, contact.StateAwaitingName)
}

// completeHandoff notifies the human team and confirms to the contact.
func (d *Dispatcher) completeHandoff(ctx context.Context, c contact.Contact) error {
	if d.opts.HandoffNotifyPhone != "" {
		who := c.DisplayName
		if who == "" {
			who = "(sem nome)"
		}
		note := "Novo lead quer falar agora: " + who + " — " + c.Phone
		if err := d.sender.SendText(ctx, d.opts.HandoffNotifyPhone, note); err != nil {
			d.logger.Error("handoff notification failed", slog.String("phone", c.Phone), slog.Any("error", err))
		}
	}
	d.sendText(ctx, c, MsgHandoffConfirmed, contact.KindText)
	return d.transition(ctx, c, contact.StateIdle)
}

func (d *Dispatcher) deferHandoff(ctx context.Context, c contact.Contact) error {
	d.sendText(ctx, c, MsgDeferred, contact.KindText)
	return d.transition(ctx, c, contact.StateIdle)
}

// askAI forwards to the orchestrator. An open funnel step travels as a
// machine-readable hint so the assistant knows the conversation context;
// directive markup in the reply is stripped before the human sees it.
func (d *Dispatcher) askAI(ctx context.Context, c contact.Contact, text string, open bool) error {
	input := text
	if open {
		input = "[etapa_funil: " + string(c.FunnelState) + "] " + text
	}

	reply, err := d.ai.Ask(ctx, c, input)
	if err != nil {
		d.logger.Error("ai ask failed", slog.String("phone", c.Phone), slog.Any("error", err))
		reply = ""
	}
	reply = StripDirectives(reply)
	if reply == "" {
		reply = MsgFallback
	}

	d.sendText(ctx, c, reply, contact.KindText)
	return nil
}

// StripDirectives removes [[...]] machine markup and tidies whitespace.
func StripDirectives(reply string) string {
	cleaned := directivePattern.ReplaceAllString(reply, "")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return strings.TrimSpace(cleaned)
}

// sendText delivers scripted or AI copy and records the outbound event.
// Delivery failure is logged and swallowed.
func (d *Dispatcher) sendText(ctx context.Context, c contact.Contact, text string, kind contact.Kind) {
	if err := d.sender.SendText(ctx, c.Phone, text); err != nil {
		d.logger.Error("outbound send failed", slog.String("phone", c.Phone), slog.Any("error", err))
	}
	d.recordOutbound(ctx, c.ID, kind, text, "")
}

func (d *Dispatcher) recordOutbound(ctx context.Context, contactID uuid.UUID, kind contact.Kind, body, mediaRef string) {
	_, err := d.store.AppendEvent(ctx, contact.AppendEventInput{
		ContactID: contactID,
		Direction: contact.DirectionOutbound,
		Kind:      kind,
		Body:      body,
		MediaRef:  mediaRef,
	})
	if err != nil {
		d.logger.Error("record outbound event failed", slog.Any("error", err))
	}
}

func (d *Dispatcher) transition(ctx context.Context, c contact.Contact, to contact.FunnelState) error {
	if !CanTransition(c.FunnelState, to) {
		d.logger.Warn("funnel transition outside table",
			slog.String("from", string(c.FunnelState)), slog.String("to", string(to)))
	}
	return d.store.SetFunnelState(ctx, c.ID, to)
}
