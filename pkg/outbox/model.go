package outbox

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// Event is a durable record of a fact to be published. EventID is the
// envelope's id and doubles as the downstream dedup key; ID is the row id
// the relay orders and claims by.
type Event struct {
	ID            int64
	EventID       string
	AggregateID   string
	Type          string
	Payload       []byte
	Traceparent   string
	CreatedAt     time.Time
	Status        Status
	RetryCount    int
	NextAttemptAt time.Time
	LastError     *string
}

// Message is what business repositories insert alongside their own rows,
// inside the same transaction. The relay fills in the rest.
type Message struct {
	EventID     string
	AggregateID string
	Type        string
	Payload     []byte
	Traceparent string
}
