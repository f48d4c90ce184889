package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lunabot/luna/internal/config"
	"github.com/lunabot/luna/internal/contact"
	"github.com/lunabot/luna/internal/gateway"
	"github.com/lunabot/luna/internal/pipeline"
)

const (
	maxBodyBytes = 1 << 20
	sampleBytes  = 400

	fileReceivedReply = "Arquivo recebido com sucesso. Já estou processando! ✅"
)

// ContactStore is the persistence surface the handler needs.
type ContactStore interface {
	GetOrCreateByPhone(ctx context.Context, phone, name string) (contact.Contact, error)
	GetByID(ctx context.Context, id uuid.UUID) (contact.Contact, error)
	AppendEvent(ctx context.Context, input contact.AppendEventInput) (contact.Event, error)
	LastInbound(ctx context.Context, contactID uuid.UUID) (contact.Event, error)
}

// Dispatcher routes one inbound text through the funnel guard-rails.
type Dispatcher interface {
	Handle(ctx context.Context, c contact.Contact, text string) error
}

// Handler terminates the gateway webhook. The HTTP exchange only
// authenticates, normalizes, and acks; everything slow runs behind the
// pipeline so the gateway gets its response sub-second.
type Handler struct {
	logger      *slog.Logger
	store       ContactStore
	dispatcher  Dispatcher
	sender      gateway.Sender
	worker      *pipeline.Worker
	locks       *pipeline.KeyedMutex
	path        string
	verifyToken string
	dedupWindow time.Duration
	now         func() time.Time
}

func NewHandler(
	log *slog.Logger,
	store ContactStore,
	dispatcher Dispatcher,
	sender gateway.Sender,
	worker *pipeline.Worker,
	locks *pipeline.KeyedMutex,
	webhookCfg config.WebhookConfig,
	funnelCfg config.FunnelConfig,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		logger:      log.With(slog.String("handler", "webhook")),
		store:       store,
		dispatcher:  dispatcher,
		sender:      sender,
		worker:      worker,
		locks:       locks,
		path:        strings.TrimRight(webhookCfg.Path, "/"),
		verifyToken: webhookCfg.VerifyToken,
		dedupWindow: time.Duration(funnelCfg.DedupWindowSeconds) * time.Second,
		now:         time.Now,
	}
}

// Register mounts the webhook on its configured path, with and without a
// trailing slash so the gateway never hits a redirect.
func (h *Handler) Register(e *echo.Echo) {
	for _, p := range []string{h.path, h.path + "/"} {
		e.HEAD(p, h.Head)
		e.GET(p, h.Get)
		e.POST(p, h.Post)
	}
}

// authorized checks the shared secret: query ?token=, X-Webhook-Token
// header, or Meta-style hub.verify_token. An empty configured token accepts
// everything (warned at startup).
func (h *Handler) authorized(c echo.Context) bool {
	if h.verifyToken == "" {
		return true
	}
	for _, provided := range []string{
		c.Request().Header.Get("X-Webhook-Token"),
		c.QueryParam("token"),
		c.QueryParam("hub.verify_token"),
	} {
		if provided != "" {
			return provided == h.verifyToken
		}
	}
	return false
}

func (h *Handler) Head(c echo.Context) error {
	if !h.authorized(c) {
		return c.NoContent(http.StatusForbidden)
	}
	return c.NoContent(http.StatusOK)
}

// Get answers the Meta-style verification challenge in plain text.
func (h *Handler) Get(c echo.Context) error {
	if !h.authorized(c) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "invalid webhook token"})
	}
	if challenge := c.QueryParam("hub.challenge"); challenge != "" {
		return c.String(http.StatusOK, challenge)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// Post ingests one gateway event. Every outcome except an auth mismatch is
// a 200: the gateway must never retry-storm over our own processing.
func (h *Handler) Post(c echo.Context) error {
	if !h.authorized(c) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "invalid webhook token"})
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("webhook body read failed", slog.Any("error", err))
		return c.JSON(http.StatusOK, map[string]any{"received": false, "reason": "unreadable body"})
	}

	inbound, err := Normalize(raw)
	switch {
	case errors.Is(err, ErrUnrecognized):
		return c.JSON(http.StatusOK, map[string]any{"received": false, "reason": "invalid JSON"})
	case errors.Is(err, ErrNoParticipant):
		h.logger.Warn("no phone extracted", slog.String("sample", truncate(raw, sampleBytes)))
		return c.JSON(http.StatusOK, map[string]any{"received": true, "note": "no phone"})
	case err != nil:
		h.logger.Error("normalize failed", slog.Any("error", err))
		return c.JSON(http.StatusOK, map[string]any{"received": true, "note": "not processed"})
	}

	ctx := c.Request().Context()
	contactRow, err := h.store.GetOrCreateByPhone(ctx, inbound.Phone, inbound.PushName)
	if err != nil {
		h.logger.Error("contact upsert failed", slog.String("phone", inbound.Phone), slog.Any("error", err))
		return c.JSON(http.StatusOK, map[string]any{"received": true, "note": "not processed"})
	}

	if h.isDuplicate(ctx, contactRow.ID, inbound) {
		h.logger.Info("duplicate delivery dropped", slog.String("phone", inbound.Phone))
		return c.JSON(http.StatusOK, map[string]any{"received": true, "note": "duplicate"})
	}

	if _, err := h.store.AppendEvent(ctx, contact.AppendEventInput{
		ContactID: contactRow.ID,
		Direction: contact.DirectionInbound,
		Kind:      inbound.Kind,
		Body:      inbound.Text,
	}); err != nil {
		h.logger.Error("persist inbound event failed", slog.Any("error", err))
	}

	h.enqueue(contactRow.ID, inbound)
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}

// isDuplicate reports whether the same (kind, text) arrived from this
// contact inside the dedup window. Gateways redeliver; the human should not
// get two answers.
func (h *Handler) isDuplicate(ctx context.Context, contactID uuid.UUID, inbound Inbound) bool {
	last, err := h.store.LastInbound(ctx, contactID)
	if err != nil {
		return false
	}
	return last.Kind == inbound.Kind &&
		last.Body == inbound.Text &&
		h.now().Sub(last.CreatedAt) < h.dedupWindow
}

// enqueue hands the slow path to the worker pool. The per-phone lock keeps
// two deliveries for the same contact from racing the funnel state.
func (h *Handler) enqueue(contactID uuid.UUID, inbound Inbound) {
	submitted := h.worker.Submit(pipeline.Task{
		Name: "inbound:" + inbound.Phone,
		Run: func(ctx context.Context) error {
			unlock := h.locks.Lock(inbound.Phone)
			defer unlock()
			return h.process(ctx, contactID, inbound)
		},
	})
	if !submitted {
		h.logger.Error("pipeline queue full, inbound dropped", slog.String("phone", inbound.Phone))
	}
}

// process runs behind the per-phone lock. The contact is reloaded so the
// funnel state reflects any task that held the lock before us.
func (h *Handler) process(ctx context.Context, contactID uuid.UUID, inbound Inbound) error {
	contactRow, err := h.store.GetByID(ctx, contactID)
	if err != nil {
		return err
	}

	if inbound.Kind != contact.KindText || inbound.Text == "" {
		return h.replyScripted(ctx, contactRow, fileReceivedReply)
	}
	return h.dispatcher.Handle(ctx, contactRow, inbound.Text)
}

func (h *Handler) replyScripted(ctx context.Context, c contact.Contact, text string) error {
	if err := h.sender.SendText(ctx, c.Phone, text); err != nil {
		h.logger.Error("scripted reply send failed", slog.String("phone", c.Phone), slog.Any("error", err))
	}
	_, err := h.store.AppendEvent(ctx, contact.AppendEventInput{
		ContactID: c.ID,
		Direction: contact.DirectionOutbound,
		Kind:      contact.KindText,
		Body:      text,
	})
	return err
}

func truncate(raw []byte, n int) string {
	s := string(raw)
	if len(s) > n {
		return s[:n]
	}
	return s
}
