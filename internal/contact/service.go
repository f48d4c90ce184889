package contact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	dbpkg "github.com/lunabot/luna/internal/db"
)

// ErrNotFound is returned when no matching row exists.
var ErrNotFound = errors.New("not found")

// DB is the pgx surface the service needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service persists contacts and their conversation events.
type Service struct {
	db     DB
	logger *slog.Logger
	now    func() time.Time
}

func NewService(log *slog.Logger, db DB) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:     db,
		logger: log.With(slog.String("service", "contact")),
		now:    time.Now,
	}
}

const contactColumns = `id, phone, display_name, thread_id, funnel_state, funnel_state_changed_at, name_asked_count, created_at`

// GetOrCreateByPhone returns the contact for a phone digit string, creating
// it on first sight. A non-empty name backfills a missing display name.
func (s *Service) GetOrCreateByPhone(ctx context.Context, phone, name string) (Contact, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Contact{}, fmt.Errorf("phone required")
	}
	c, err := s.getByPhone(ctx, phone)
	if err == nil {
		if name != "" && c.DisplayName == "" {
			if err := s.SetDisplayName(ctx, c.ID, name); err != nil {
				s.logger.Warn("backfill display name failed", slog.String("phone", phone), slog.Any("error", err))
			} else {
				c.DisplayName = name
			}
		}
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Contact{}, err
	}
	row := s.db.QueryRow(ctx,
		`INSERT INTO contacts (id, phone, display_name, funnel_state, funnel_state_changed_at, created_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
		 RETURNING `+contactColumns,
		uuid.New(), phone, dbpkg.ToPgText(name), string(StateIdle),
	)
	return scanContact(row)
}

func (s *Service) getByPhone(ctx context.Context, phone string) (Contact, error) {
	row := s.db.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE phone = $1`, phone)
	return scanContact(row)
}

// GetByID reloads a contact.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (Contact, error) {
	row := s.db.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	return scanContact(row)
}

func (s *Service) SetDisplayName(ctx context.Context, id uuid.UUID, name string) error {
	_, err := s.db.Exec(ctx, `UPDATE contacts SET display_name = $2 WHERE id = $1`, id, dbpkg.ToPgText(name))
	return err
}

func (s *Service) SetThreadID(ctx context.Context, id uuid.UUID, threadID string) error {
	_, err := s.db.Exec(ctx, `UPDATE contacts SET thread_id = $2 WHERE id = $1`, id, dbpkg.ToPgText(threadID))
	return err
}

// SetFunnelState transitions the contact's funnel state and stamps the
// transition time.
func (s *Service) SetFunnelState(ctx context.Context, id uuid.UUID, state FunnelState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid funnel state: %s", state)
	}
	_, err := s.db.Exec(ctx,
		`UPDATE contacts SET funnel_state = $2, funnel_state_changed_at = now() WHERE id = $1`,
		id, string(state),
	)
	return err
}

// IncNameAskCount bumps the name-request counter and returns the new value.
func (s *Service) IncNameAskCount(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`UPDATE contacts SET name_asked_count = name_asked_count + 1 WHERE id = $1 RETURNING name_asked_count`,
		id,
	).Scan(&count)
	return count, err
}

func (s *Service) ResetNameAskCount(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE contacts SET name_asked_count = 0 WHERE id = $1`, id)
	return err
}

// AppendEvent writes one conversation event.
func (s *Service) AppendEvent(ctx context.Context, input AppendEventInput) (Event, error) {
	event := Event{
		ID:        uuid.New(),
		ContactID: input.ContactID,
		Direction: input.Direction,
		Kind:      input.Kind,
		Body:      input.Body,
		MediaRef:  input.MediaRef,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO conversation_events (id, contact_id, direction, kind, body, media_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.ContactID, string(event.Direction), string(event.Kind),
		dbpkg.ToPgText(event.Body), dbpkg.ToPgText(event.MediaRef), event.CreatedAt,
	)
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	return event, nil
}

// LastEvent returns the newest event matching direction and kind.
func (s *Service) LastEvent(ctx context.Context, contactID uuid.UUID, direction Direction, kind Kind) (Event, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, contact_id, direction, kind, body, media_ref, created_at
		 FROM conversation_events
		 WHERE contact_id = $1 AND direction = $2 AND kind = $3
		 ORDER BY created_at DESC LIMIT 1`,
		contactID, string(direction), string(kind),
	)
	return scanEvent(row)
}

// LastInbound returns the newest inbound event of any kind.
func (s *Service) LastInbound(ctx context.Context, contactID uuid.UUID) (Event, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, contact_id, direction, kind, body, media_ref, created_at
		 FROM conversation_events
		 WHERE contact_id = $1 AND direction = $2
		 ORDER BY created_at DESC LIMIT 1`,
		contactID, string(DirectionInbound),
	)
	return scanEvent(row)
}

// WasRecentlySent reports whether an outbound event of the given kind was
// written strictly inside the trailing window. This is the legacy read-time
// derivation kept for anti-duplicate action windows.
func (s *Service) WasRecentlySent(ctx context.Context, contactID uuid.UUID, kind Kind, window time.Duration) (bool, error) {
	event, err := s.LastEvent(ctx, contactID, DirectionOutbound, kind)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.now().Sub(event.CreatedAt) < window, nil
}

// Erase removes the contact and, via cascade, its conversation events. Used
// only by the erase-participant-data tool.
func (s *Service) Erase(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM contacts WHERE id = $1`, id)
	return err
}

// DeleteEventsBefore prunes events older than the cutoff; returns rows removed.
func (s *Service) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM conversation_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanContact(row pgx.Row) (Contact, error) {
	var (
		c           Contact
		displayName pgtype.Text
		threadID    pgtype.Text
		state       string
	)
	err := row.Scan(&c.ID, &c.Phone, &displayName, &threadID, &state, &c.FunnelStateChangedAt, &c.NameAskedCount, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	c.DisplayName = dbpkg.TextToString(displayName)
	c.ThreadID = dbpkg.TextToString(threadID)
	c.FunnelState = FunnelState(state)
	return c, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		e        Event
		dir      string
		kind     string
		body     pgtype.Text
		mediaRef pgtype.Text
	)
	err := row.Scan(&e.ID, &e.ContactID, &dir, &kind, &body, &mediaRef, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	e.Direction = Direction(dir)
	e.Kind = Kind(kind)
	e.Body = dbpkg.TextToString(body)
	e.MediaRef = dbpkg.TextToString(mediaRef)
	return e, nil
}
