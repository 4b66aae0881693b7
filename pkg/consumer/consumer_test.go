package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"stockflow/pkg/events"
	"stockflow/pkg/idempotency"
	"stockflow/pkg/logging"
)

type fakeProducer struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msgs...)
	return nil
}

type fakePrefilter struct {
	seen   map[string]bool
	marked []string
}

func (f *fakePrefilter) Seen(_ context.Context, eventID string) (bool, error) {
	return f.seen[eventID], nil
}

func (f *fakePrefilter) Mark(_ context.Context, eventID string) error {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	f.seen[eventID] = true
	f.marked = append(f.marked, eventID)
	return nil
}

func testConsumer(handle HandlerFunc, prefilter Prefilter, dlt *fakeProducer) *Consumer {
	return &Consumer{
		log:         logging.New("test"),
		dlt:         dlt,
		dltTopic:    "test.dlt",
		prefilter:   prefilter,
		handle:      handle,
		tracer:      otel.Tracer("test"),
		maxAttempts: 3,
	}
}

func message(t *testing.T, eventType string, payload any) kafka.Message {
	t.Helper()
	env, err := events.NewEnvelope(eventType, "O1", "O1", payload)
	if err != nil {
		t.Fatal(err)
	}
	value, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Topic: "test.events", Partition: 0, Offset: 42, Key: []byte("O1"), Value: value}
}

func TestProcess_HandlesEvent(t *testing.T) {
	var handled int
	c := testConsumer(func(context.Context, events.Envelope, string) error {
		handled++
		return nil
	}, nil, &fakeProducer{})

	msg := message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O1"})
	if err := c.process(context.Background(), msg); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if handled != 1 {
		t.Errorf("expected 1 handler call, got %d", handled)
	}
}

func TestProcess_DuplicateFromLedgerIsNoop(t *testing.T) {
	dlt := &fakeProducer{}
	c := testConsumer(func(context.Context, events.Envelope, string) error {
		return idempotency.ErrDuplicate
	}, nil, dlt)

	msg := message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O1"})
	if err := c.process(context.Background(), msg); err != nil {
		t.Fatalf("duplicate must acknowledge cleanly, got: %v", err)
	}
	if len(dlt.messages) != 0 {
		t.Error("duplicate must not be dead-lettered")
	}
}

func TestProcess_PrefilterSkipsHandler(t *testing.T) {
	var handled int
	var env events.Envelope
	msg := message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O1"})
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatal(err)
	}

	c := testConsumer(func(context.Context, events.Envelope, string) error {
		handled++
		return nil
	}, &fakePrefilter{seen: map[string]bool{env.EventID: true}}, &fakeProducer{})

	if err := c.process(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if handled != 0 {
		t.Errorf("prefiltered message must not reach the handler, got %d calls", handled)
	}
}

func TestProcess_MarksPrefilterOnlyAfterOutcome(t *testing.T) {
	pf := &fakePrefilter{}
	dlt := &fakeProducer{err: errors.New("broker down")}
	var attempts int
	c := testConsumer(func(context.Context, events.Envelope, string) error {
		attempts++
		if attempts == 1 {
			return errors.New("db down")
		}
		return nil
	}, pf, dlt)
	c.maxAttempts = 1

	// First delivery: handler fails and the dead-letter write fails too, so
	// the message stays unacknowledged. The pre-filter must not remember it.
	msg := message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O1"})
	if err := c.process(context.Background(), msg); err == nil {
		t.Fatal("expected the first delivery to stay unacknowledged")
	}
	if len(pf.marked) != 0 {
		t.Fatalf("failed delivery must not mark the pre-filter, marked %v", pf.marked)
	}

	// Redelivery must reach the handler again, not be skipped as a duplicate.
	if err := c.process(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected the redelivered message to run the handler, got %d calls", attempts)
	}
	if len(pf.marked) != 1 {
		t.Errorf("successful outcome must mark the pre-filter once, marked %v", pf.marked)
	}
}

func TestProcess_MarksPrefilterAfterDeadLetter(t *testing.T) {
	pf := &fakePrefilter{}
	c := testConsumer(func(context.Context, events.Envelope, string) error {
		return errors.New("db down")
	}, pf, &fakeProducer{})
	c.maxAttempts = 1

	msg := message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O1"})
	if err := c.process(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(pf.marked) != 1 {
		t.Errorf("dead-lettering is an acknowledged outcome and must mark the pre-filter, marked %v", pf.marked)
	}
}

func TestProcess_RetriesThenDeadLetters(t *testing.T) {
	var attempts int
	dlt := &fakeProducer{}
	c := testConsumer(func(context.Context, events.Envelope, string) error {
		attempts++
		return errors.New("db down")
	}, nil, dlt)

	msg := message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O1"})
	if err := c.process(context.Background(), msg); err != nil {
		t.Fatalf("dead-lettering is an acknowledgeable outcome, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(dlt.messages) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dlt.messages))
	}

	dead := dlt.messages[0]
	if dead.Topic != "test.dlt" {
		t.Errorf("expected dlt topic, got %s", dead.Topic)
	}
	if got := headerValue(dead.Headers, HeaderOriginalTopic); got != "test.events" {
		t.Errorf("expected original topic header, got %q", got)
	}
	if got := headerValue(dead.Headers, HeaderOriginalOffset); got != "42" {
		t.Errorf("expected original offset header, got %q", got)
	}
	if got := headerValue(dead.Headers, HeaderError); got != "db down" {
		t.Errorf("expected error header, got %q", got)
	}
}

func TestProcess_RetrySucceedsBeforeCeiling(t *testing.T) {
	var attempts int
	dlt := &fakeProducer{}
	c := testConsumer(func(context.Context, events.Envelope, string) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}, nil, dlt)

	msg := message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O1"})
	if err := c.process(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if len(dlt.messages) != 0 {
		t.Error("successful retry must not dead-letter")
	}
}

func TestProcess_PoisonMessageDeadLettersImmediately(t *testing.T) {
	var handled int
	dlt := &fakeProducer{}
	c := testConsumer(func(context.Context, events.Envelope, string) error {
		handled++
		return nil
	}, nil, dlt)

	msg := kafka.Message{Topic: "test.events", Offset: 7, Value: []byte("not json")}
	if err := c.process(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if handled != 0 {
		t.Error("poison message must not reach the handler")
	}
	if len(dlt.messages) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dlt.messages))
	}
}

type fakeReader struct {
	msgs      []kafka.Message
	next      int
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.next >= len(r.msgs) {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[r.next]
	r.next++
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func TestRun_StopsOnUnacknowledgedMessage(t *testing.T) {
	// Offset commits are a per-partition watermark: committing offset 2
	// would implicitly acknowledge the failed offset 1, so the loop must
	// stop instead of moving on.
	reader := &fakeReader{msgs: []kafka.Message{
		message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O1"}),
		message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O2"}),
	}}
	reader.msgs[0].Offset = 1
	reader.msgs[1].Offset = 2

	c := testConsumer(func(context.Context, events.Envelope, string) error {
		return errors.New("db down")
	}, nil, &fakeProducer{err: errors.New("broker down")})
	c.reader = reader
	c.maxAttempts = 1

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected Run to surface the unacknowledged message")
	}
	if len(reader.committed) != 0 {
		t.Errorf("no offset may be committed past a failed message, committed %v", reader.committed)
	}
	if reader.next != 1 {
		t.Errorf("expected the loop to stop at the failed message, fetched %d", reader.next)
	}
	if !reader.closed {
		t.Error("reader must be closed on exit")
	}
}

func TestRun_CommitsHandledMessages(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O1"}),
		message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O2"}),
	}}
	reader.msgs[0].Offset = 1
	reader.msgs[1].Offset = 2

	c := testConsumer(func(context.Context, events.Envelope, string) error {
		return nil
	}, nil, &fakeProducer{})
	c.reader = reader

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("cancelled run must return nil, got: %v", err)
	}
	if len(reader.committed) != 2 || reader.committed[0] != 1 || reader.committed[1] != 2 {
		t.Errorf("expected offsets 1 and 2 committed in order, got %v", reader.committed)
	}
}

func TestProcess_NoDLTConfiguredBlocksAck(t *testing.T) {
	c := testConsumer(func(context.Context, events.Envelope, string) error {
		return errors.New("db down")
	}, nil, nil)
	c.dlt = nil
	c.maxAttempts = 1

	msg := message(t, events.TypeOrderCreated, events.OrderCreated{OrderID: "O1"})
	if err := c.process(context.Background(), msg); err == nil {
		t.Error("without a dead-letter topic the message must stay unacknowledged")
	}
}
