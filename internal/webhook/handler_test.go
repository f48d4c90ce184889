package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunabot/luna/internal/config"
	"github.com/lunabot/luna/internal/contact"
	"github.com/lunabot/luna/internal/funnel"
	"github.com/lunabot/luna/internal/pipeline"
)

// memStore is an in-memory contact store shared by the handler and the
// funnel dispatcher in these tests.
type memStore struct {
	mu       sync.Mutex
	contacts map[uuid.UUID]*contact.Contact
	byPhone  map[string]uuid.UUID
	events   []contact.Event
}

func newMemStore() *memStore {
	return &memStore{
		contacts: make(map[uuid.UUID]*contact.Contact),
		byPhone:  make(map[string]uuid.UUID),
	}
}

func (m *memStore) GetOrCreateByPhone(_ context.Context, phone, name string) (contact.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byPhone[phone]; ok {
		c := m.contacts[id]
		if name != "" && c.DisplayName == "" {
			c.DisplayName = name
		}
		return *c, nil
	}
	c := &contact.Contact{
		ID:          uuid.New(),
		Phone:       phone,
		DisplayName: name,
		FunnelState: contact.StateIdle,
		CreatedAt:   time.Now(),
	}
	m.contacts[c.ID] = c
	m.byPhone[phone] = c.ID
	return *c, nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (contact.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return contact.Contact{}, contact.ErrNotFound
	}
	return *c, nil
}

func (m *memStore) AppendEvent(_ context.Context, input contact.AppendEventInput) (contact.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event := contact.Event{
		ID:        uuid.New(),
		ContactID: input.ContactID,
		Direction: input.Direction,
		Kind:      input.Kind,
		Body:      input.Body,
		MediaRef:  input.MediaRef,
		CreatedAt: time.Now(),
	}
	m.events = append(m.events, event)
	return event, nil
}

func (m *memStore) LastInbound(_ context.Context, contactID uuid.UUID) (contact.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.ContactID == contactID && e.Direction == contact.DirectionInbound {
			return e, nil
		}
	}
	return contact.Event{}, contact.ErrNotFound
}

func (m *memStore) SetDisplayName(_ context.Context, id uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[id].DisplayName = name
	return nil
}

func (m *memStore) SetFunnelState(_ context.Context, id uuid.UUID, state contact.FunnelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[id].FunnelState = state
	m.contacts[id].FunnelStateChangedAt = time.Now()
	return nil
}

func (m *memStore) IncNameAskCount(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[id].NameAskedCount++
	return m.contacts[id].NameAskedCount, nil
}

func (m *memStore) ResetNameAskCount(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[id].NameAskedCount = 0
	return nil
}

func (m *memStore) WasRecentlySent(_ context.Context, contactID uuid.UUID, kind contact.Kind, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.ContactID == contactID && e.Direction == contact.DirectionOutbound && e.Kind == kind {
			return time.Since(e.CreatedAt) < window, nil
		}
	}
	return false, nil
}

func (m *memStore) eventsByDirection(direction contact.Direction) []contact.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contact.Event
	for _, e := range m.events {
		if e.Direction == direction {
			out = append(out, e)
		}
	}
	return out
}

type recordingSender struct {
	mu     sync.Mutex
	texts  []string
	to     []string
	medias []string
}

func (r *recordingSender) SendText(_ context.Context, phone, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, phone)
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingSender) SendMedia(_ context.Context, _, url, _ string, _ contact.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.medias = append(r.medias, url)
	return nil
}

func (r *recordingSender) SendMenu(context.Context, string, string, []string, string) error {
	return nil
}

func (r *recordingSender) sentTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type stubAI struct {
	mu    sync.Mutex
	calls int
	reply string
}

func (s *stubAI) Ask(_ context.Context, _ contact.Contact, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.reply, nil
}

type fixture struct {
	echo    *echo.Echo
	store   *memStore
	sender  *recordingSender
	ai      *stubAI
	worker  *pipeline.Worker
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	sender := &recordingSender{}
	ai := &stubAI{reply: "Olá!"}

	dispatcher := funnel.NewDispatcher(nil, store, ai, sender, funnel.NewPortuguese(), funnel.Options{
		MenuWindow:   30 * time.Minute,
		ActionWindow: 120 * time.Second,
		NameAskLimit: 3,
		DemoVideoURL: "https://cdn.example/demo.mp4",
	})

	worker := pipeline.NewWorker(nil, 2, 16)
	worker.Start()

	h := NewHandler(nil, store, dispatcher, sender, worker, pipeline.NewKeyedMutex(),
		config.WebhookConfig{Path: "/webhook/whatsapp", VerifyToken: "tok123"},
		config.FunnelConfig{DedupWindowSeconds: 8},
	)

	e := echo.New()
	h.Register(e)
	return &fixture{echo: e, store: store, sender: sender, ai: ai, worker: worker, handler: h}
}

func (f *fixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Webhook-Token", "tok123")
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

// drain waits for all enqueued pipeline tasks to finish.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.worker.Stop(context.Background()))
}

const e2ePayload = `{
	"event": "messages.upsert",
	"data": {
		"data": {
			"messages": [{
				"key": {"remoteJid": "551199999999@s.whatsapp.net", "fromMe": false, "id": "MSG1"},
				"pushName": "Maria",
				"message": {"conversation": "oi"}
			}]
		}
	}
}`

func TestWebhookEndToEnd(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/webhook/whatsapp", e2ePayload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received": true}`, rec.Body.String())

	f.drain(t)

	// Exactly one reply went out, and it is the AI's.
	assert.Equal(t, []string{"Olá!"}, f.sender.sentTexts())

	inbound := f.store.eventsByDirection(contact.DirectionInbound)
	require.Len(t, inbound, 1)
	assert.Equal(t, contact.KindText, inbound[0].Kind)
	assert.Equal(t, "oi", inbound[0].Body)

	outbound := f.store.eventsByDirection(contact.DirectionOutbound)
	require.Len(t, outbound, 1)
	assert.Equal(t, "Olá!", outbound[0].Body)

	c, err := f.store.GetOrCreateByPhone(context.Background(), "551199999999", "")
	require.NoError(t, err)
	assert.Equal(t, "Maria", c.DisplayName)
}

func TestWebhookAuth(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "no token", target: "/webhook/whatsapp", want: http.StatusForbidden},
		{name: "wrong header", target: "/webhook/whatsapp", header: "nope", want: http.StatusForbidden},
		{name: "query token", target: "/webhook/whatsapp?token=tok123", want: http.StatusOK},
		{name: "hub verify token", target: "/webhook/whatsapp?hub.verify_token=tok123", want: http.StatusOK},
		{name: "right header", target: "/webhook/whatsapp", header: "tok123", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("X-Webhook-Token", tt.header)
			}
			rec := httptest.NewRecorder()
			f.echo.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestWebhookChallengeEcho(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?hub.verify_token=tok123&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/plain")
}

func TestWebhookInvalidJSONStillAcks(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)

	rec := f.post(t, "/webhook/whatsapp", "this is not json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"received":false`)
}

func TestWebhookNoPhoneAcksWithNote(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)

	rec := f.post(t, "/webhook/whatsapp", `{"event": "connection.update", "state": "open"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no phone")
	assert.Empty(t, f.store.events)
}

func TestWebhookDuplicateDeliveryDropped(t *testing.T) {
	f := newFixture(t)

	first := f.post(t, "/webhook/whatsapp", e2ePayload)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.post(t, "/webhook/whatsapp", e2ePayload)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), "duplicate")

	f.drain(t)

	assert.Len(t, f.store.eventsByDirection(contact.DirectionInbound), 1)
	assert.Equal(t, []string{"Olá!"}, f.sender.sentTexts())
}

func TestWebhookDuplicateOutsideWindowProcessedTwice(t *testing.T) {
	f := newFixture(t)

	first := f.post(t, "/webhook/whatsapp", e2ePayload)
	require.Equal(t, http.StatusOK, first.Code)

	// The identical redelivery lands after the dedup window has lapsed.
	f.handler.now = func() time.Time { return time.Now().Add(9 * time.Second) }
	second := f.post(t, "/webhook/whatsapp", e2ePayload)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"received": true}`, second.Body.String())

	f.drain(t)

	assert.Len(t, f.store.eventsByDirection(contact.DirectionInbound), 2)
	assert.Equal(t, []string{"Olá!", "Olá!"}, f.sender.sentTexts())
}

func TestWebhookMediaGetsScriptedReply(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/webhook/whatsapp", `{
		"messages": [{
			"key": {"remoteJid": "551199999999@s.whatsapp.net"},
			"message": {"audioMessage": {"seconds": 3}}
		}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	f.drain(t)

	require.Len(t, f.sender.sentTexts(), 1)
	assert.Equal(t, fileReceivedReply, f.sender.sentTexts()[0])
	assert.Zero(t, f.ai.calls)
}

func TestWebhookTrailingSlash(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/webhook/whatsapp/", e2ePayload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received": true}`, rec.Body.String())

	f.drain(t)
	assert.Equal(t, []string{"Olá!"}, f.sender.sentTexts())
}
