package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	courier "github.com/shaiso/Courier"
)

// fakeDrainer отдаёт заранее подготовленные батчи.
type fakeDrainer struct {
	batches [][]Message
	calls   int
	err     error
}

func (d *fakeDrainer) Drain(ctx context.Context, limit int, publish func(context.Context, *Message) error) (int, error) {
	d.calls++
	if d.err != nil {
		return 0, d.err
	}
	if len(d.batches) == 0 {
		return 0, nil
	}

	batch := d.batches[0]
	d.batches = d.batches[1:]

	sent := 0
	for i := range batch {
		if err := publish(ctx, &batch[i]); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// fakePublisher записывает опубликованные сообщения.
type fakePublisher struct {
	mu        sync.Mutex
	published []*courier.Message
	keys      []string
	failAfter int // -1 = никогда
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, msg *courier.Message, opts ...courier.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter >= 0 && len(p.published) >= p.failAfter {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, msg)
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestRelay_DrainOncePublishes(t *testing.T) {
	id := uuid.New()
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	drainer := &fakeDrainer{batches: [][]Message{{
		{
			ID:          id,
			Exchange:    "orders",
			RoutingKey:  "orders.created",
			ContentType: "application/json",
			Body:        []byte(`{"id":1}`),
			Headers:     map[string]any{"x-source": "billing"},
			CreatedAt:   created,
		},
	}}}
	pub := &fakePublisher{failAfter: -1}

	relay := NewRelay(drainer, pub, nil)

	sent, err := relay.drainOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 sent, got %d", sent)
	}

	msg := pub.published[0]
	if pub.keys[0] != "orders.created" {
		t.Errorf("unexpected routing key: %s", pub.keys[0])
	}
	if msg.MessageID != id.String() {
		t.Errorf("message id must carry the outbox id, got %q", msg.MessageID)
	}
	if msg.DeliveryMode != courier.Persistent {
		t.Error("outbox messages must be persistent")
	}
	if !msg.Timestamp.Equal(created) {
		t.Errorf("timestamp must carry created_at, got %v", msg.Timestamp)
	}
	if msg.Headers["x-source"] != "billing" {
		t.Error("headers must be carried over")
	}
}

func TestRelay_PublishErrorStopsBatch(t *testing.T) {
	drainer := &fakeDrainer{batches: [][]Message{{
		{ID: uuid.New(), RoutingKey: "a"},
		{ID: uuid.New(), RoutingKey: "b"},
		{ID: uuid.New(), RoutingKey: "c"},
	}}}
	pub := &fakePublisher{failAfter: 1}

	relay := NewRelay(drainer, pub, nil)

	sent, err := relay.drainOnce(context.Background())
	if err == nil {
		t.Fatal("expected publish error")
	}
	// Первое ушло, остальные остались в outbox
	if sent != 1 {
		t.Errorf("expected 1 sent before the error, got %d", sent)
	}
	if len(pub.published) != 1 {
		t.Errorf("expected 1 published message, got %d", len(pub.published))
	}
}

func TestRelay_RunStopsOnContext(t *testing.T) {
	drainer := &fakeDrainer{}
	pub := &fakePublisher{failAfter: -1}

	relay := NewRelay(drainer, pub, nil, RelayInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := relay.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if drainer.calls == 0 {
		t.Error("relay must drain at least once")
	}
}

func TestRelay_FullBatchContinuesWithoutPause(t *testing.T) {
	// Батчи размера 2 при batch=2: полный батч обрабатывается без ожидания тика
	drainer := &fakeDrainer{batches: [][]Message{
		{{ID: uuid.New()}, {ID: uuid.New()}},
		{{ID: uuid.New()}, {ID: uuid.New()}},
		{{ID: uuid.New()}},
	}}
	pub := &fakePublisher{failAfter: -1}

	relay := NewRelay(drainer, pub, nil,
		RelayInterval(time.Hour), // тик недостижим в рамках теста
		RelayBatchSize(2),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	// Ждём, пока полные батчи будут выкачаны без тика
	deadline := time.After(time.Second)
	for pub.count() < 5 {
		select {
		case <-deadline:
			t.Fatalf("expected 5 published messages, got %d", pub.count())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
