package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// BatchRecord is the persisted summary of a batch. It is upserted on every
// batch-level transition.
type BatchRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Template   string    `json:"template,omitempty"`
	Policy     string    `json:"policy,omitempty"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Pending    int       `json:"pending"`
	Cancelled  int       `json:"cancelled"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OutcomeRecord is one settled delivery attempt (sent, failed or cancelled).
type OutcomeRecord struct {
	At             time.Time `json:"at"`
	BatchID        string    `json:"batch_id"`
	ItemID         string    `json:"item_id"`
	Index          int       `json:"index"`
	Recipient      string    `json:"recipient,omitempty"`
	Destination    string    `json:"destination"`
	Status         string    `json:"status"`
	Attempt        int       `json:"attempt"`
	Error          string    `json:"error,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Message        string    `json:"message,omitempty"`
	QueuedAt       time.Time `json:"queued_at,omitzero"`
	AttemptedAt    time.Time `json:"attempted_at,omitzero"`
	CompletedAt    time.Time `json:"completed_at,omitzero"`
}
