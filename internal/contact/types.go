package contact

import (
	"time"

	"github.com/google/uuid"
)

// Direction of a conversation event relative to the contact.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Kind classifies a conversation event.
type Kind string

const (
	KindText         Kind = "text"
	KindImage        Kind = "image"
	KindVideo        Kind = "video"
	KindAudio        Kind = "audio"
	KindDocument     Kind = "document"
	KindMenu         Kind = "menu"
	KindHandoffOffer Kind = "handoff_offer"
	KindNameRequest  Kind = "name_request"
	KindUnknown      Kind = "unknown"
)

// FunnelState is the explicit per-contact funnel position, persisted on the
// contact row together with its transition timestamp.
type FunnelState string

const (
	StateIdle           FunnelState = "idle"
	StateMenuOffered    FunnelState = "menu_offered"
	StateVideoSent      FunnelState = "video_sent"
	StateHandoffOffered FunnelState = "handoff_offered"
	StateAwaitingName   FunnelState = "awaiting_name"
)

func (s FunnelState) Valid() bool {
	switch s {
	case StateIdle, StateMenuOffered, StateVideoSent, StateHandoffOffered, StateAwaitingName:
		return true
	}
	return false
}

// Contact is the human counterpart of a conversation, keyed by a normalized
// phone digit string.
type Contact struct {
	ID                   uuid.UUID
	Phone                string
	DisplayName          string
	ThreadID             string
	FunnelState          FunnelState
	FunnelStateChangedAt time.Time
	NameAskedCount       int
	CreatedAt            time.Time
}

// Event is one append-only entry in a contact's conversation log.
type Event struct {
	ID        uuid.UUID
	ContactID uuid.UUID
	Direction Direction
	Kind      Kind
	Body      string
	MediaRef  string
	CreatedAt time.Time
}

// AppendEventInput carries the fields for a new conversation event.
type AppendEventInput struct {
	ContactID uuid.UUID
	Direction Direction
	Kind      Kind
	Body      string
	MediaRef  string
}
