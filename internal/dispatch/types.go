package dispatch

import (
	"time"

	"smartsend/internal/contact"
	"smartsend/internal/timing"
)

type BatchStatus string

const (
	BatchIdle      BatchStatus = "idle"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
)

// Terminal reports whether no further forward progress happens.
func (s BatchStatus) Terminal() bool { return s == BatchCompleted || s == BatchCancelled }

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemSending   ItemStatus = "sending"
	ItemSent      ItemStatus = "sent"
	ItemFailed    ItemStatus = "failed"
	ItemCancelled ItemStatus = "cancelled"
)

// Terminal reports whether the item counts as settled for batch completion.
// Failed is settled even though it may later be retried.
func (s ItemStatus) Terminal() bool {
	return s == ItemSent || s == ItemFailed || s == ItemCancelled
}

// ErrorKind classifies why an item failed.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindTemplate  ErrorKind = "template"
	KindRecipient ErrorKind = "recipient"
	KindTransport ErrorKind = "transport"
)

// Retryable reports whether RetryItem may re-attempt a failure of this kind.
// Every transport failure is treated as retryable.
func (k ErrorKind) Retryable() bool { return k == KindTransport }

// Item is one recipient's unit of work inside a batch.
type Item struct {
	ID        string            `json:"id"`
	Index     int               `json:"index"`
	Recipient contact.Recipient `json:"recipient"`
	Status    ItemStatus        `json:"status"`
	Attempt   int               `json:"attempt"`
	Retries   int               `json:"retries"`
	LastError string            `json:"last_error,omitempty"`
	ErrorKind ErrorKind         `json:"error_kind,omitempty"`
	Message   string            `json:"message,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	CompletedAt   time.Time `json:"completed_at,omitzero"` // zero while pending or sending
	UpdatedAt     time.Time `json:"updated_at"`
}

func (i Item) Retryable() bool { return i.Status == ItemFailed && i.ErrorKind.Retryable() }

// Summary is the live counter view of a batch.
type Summary struct {
	Status    BatchStatus `json:"status"`
	Total     int         `json:"total"`
	Sent      int         `json:"sent"`
	Failed    int         `json:"failed"`
	Pending   int         `json:"pending"`
	Sending   int         `json:"sending"`
	Cancelled int         `json:"cancelled"`
}

// Batch is a point-in-time copy of a batch run.
type Batch struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Template   string            `json:"template"`
	Policy     timing.Policy     `json:"-"`
	Context    map[string]string `json:"context,omitempty"`
	MaxRetries int               `json:"max_retries"`
	Status     BatchStatus       `json:"status"`
	Items      []Item            `json:"items,omitempty"`
	Summary    Summary           `json:"summary"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
}

// BatchRequest describes a batch to create. Recipients are copied; later
// changes by the caller are not observed.
type BatchRequest struct {
	Name       string
	Template   string
	Recipients []contact.Recipient
	Policy     timing.Policy
	Context    map[string]string
	// MaxRetries caps RetryItem per item. Zero falls back to the engine
	// default; a negative value means unlimited.
	MaxRetries int
}

type EventKind string

const (
	EventItem  EventKind = "item"
	EventBatch EventKind = "batch"
)

// ProgressEvent is emitted after every item or batch state change.
type ProgressEvent struct {
	Kind        EventKind   `json:"kind"`
	BatchID     string      `json:"batch_id"`
	BatchName   string      `json:"batch_name,omitempty"`
	BatchStatus BatchStatus `json:"batch_status"`

	ItemID         string     `json:"item_id,omitempty"`
	Index          int        `json:"index,omitempty"`
	RecipientName  string     `json:"recipient_name,omitempty"`
	Destination    string     `json:"destination,omitempty"`
	Status         ItemStatus `json:"status,omitempty"`
	Attempt        int        `json:"attempt,omitempty"`
	Retry          bool       `json:"retry,omitempty"`
	Error          string     `json:"error,omitempty"`
	ErrorKind      ErrorKind  `json:"error_kind,omitempty"`
	Message        string     `json:"message,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	QueuedAt       time.Time  `json:"queued_at,omitzero"`
	AttemptedAt    time.Time  `json:"attempted_at,omitzero"`
	CompletedAt    time.Time  `json:"completed_at,omitzero"`

	Summary Summary   `json:"summary"`
	Time    time.Time `json:"time"`
}

// Sink receives progress events. It is called synchronously from the batch
// worker with no engine locks held, so implementations must return quickly.
type Sink interface {
	Progress(ev ProgressEvent)
}

type SinkFunc func(ev ProgressEvent)

func (f SinkFunc) Progress(ev ProgressEvent) { f(ev) }
