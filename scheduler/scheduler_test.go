package scheduler

import (
	"context"
	"testing"
	"time"

	courier "github.com/shaiso/Courier"
)

// fakePublisher записывает опубликованные сообщения.
type fakePublisher struct {
	published []*courier.Message
	exchanges []string
	keys      []string
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, msg *courier.Message, opts ...courier.PublishOption) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	p.exchanges = append(p.exchanges, exchange)
	p.keys = append(p.keys, routingKey)
	return nil
}

func TestEntry_Validate(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{
			name:  "valid",
			entry: Entry{Name: "daily", CronExpr: "0 9 * * *", RoutingKey: "reports.daily"},
		},
		{
			name:  "valid with exchange only",
			entry: Entry{Name: "fanout", CronExpr: "* * * * *", Exchange: "events"},
		},
		{
			name:    "empty name",
			entry:   Entry{CronExpr: "* * * * *", RoutingKey: "k"},
			wantErr: true,
		},
		{
			name:    "no destination",
			entry:   Entry{Name: "lost", CronExpr: "* * * * *"},
			wantErr: true,
		},
		{
			name:    "bad cron",
			entry:   Entry{Name: "bad", CronExpr: "x x x", RoutingKey: "k"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNew_RejectsInvalidEntry(t *testing.T) {
	entries := []Entry{
		{Name: "ok", CronExpr: "* * * * *", RoutingKey: "k"},
		{Name: "broken", CronExpr: "nope", RoutingKey: "k"},
	}

	if _, err := New(&fakePublisher{}, nil, entries); err == nil {
		t.Fatal("expected error for invalid entry")
	}
}

func TestNew_ComputesNextDue(t *testing.T) {
	s, err := New(&fakePublisher{}, nil, []Entry{
		{Name: "minutely", CronExpr: "* * * * *", RoutingKey: "tick"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(s.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(s.entries))
	}
	if !s.entries[0].nextDue.After(time.Now().Add(-time.Minute)) {
		t.Error("nextDue must be in the near future")
	}
}

func TestSoonest(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &Scheduler{
		entries: []*entryState{
			{entry: Entry{Name: "late"}, nextDue: now.Add(time.Hour)},
			{entry: Entry{Name: "first"}, nextDue: now.Add(time.Minute)},
			{entry: Entry{Name: "middle"}, nextDue: now.Add(30 * time.Minute)},
		},
	}

	if got := s.soonest().entry.Name; got != "first" {
		t.Errorf("expected entry first, got %s", got)
	}
}

func TestFire_PublishesAndReschedules(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}

	s, err := New(pub, nil, []Entry{{
		Name:       "daily",
		CronExpr:   "0 9 * * *",
		Exchange:   "reports",
		RoutingKey: "reports.daily",
		Body:       []byte(`{"kind":"daily"}`),
		Headers:    map[string]any{"x-origin": "scheduler"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.now = func() time.Time { return now }

	st := s.entries[0]
	s.fire(context.Background(), st)

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(pub.published))
	}

	msg := pub.published[0]
	if pub.exchanges[0] != "reports" || pub.keys[0] != "reports.daily" {
		t.Errorf("unexpected destination: %s/%s", pub.exchanges[0], pub.keys[0])
	}
	if msg.DeliveryMode != courier.Persistent {
		t.Error("scheduled messages must be persistent")
	}
	if msg.MessageID == "" {
		t.Error("message id must be generated")
	}
	if msg.ContentType != "application/json" {
		t.Errorf("expected default content type, got %q", msg.ContentType)
	}
	if msg.Headers["x-origin"] != "scheduler" {
		t.Error("headers must be carried over")
	}

	// Следующий запуск — завтра в 9:00
	want := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	if !st.nextDue.Equal(want) {
		t.Errorf("expected next due %v, got %v", want, st.nextDue)
	}
}

func TestFire_PublishErrorStillReschedules(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	pub := &fakePublisher{err: context.DeadlineExceeded}

	s, err := New(pub, nil, []Entry{{
		Name:       "daily",
		CronExpr:   "0 9 * * *",
		RoutingKey: "reports.daily",
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.now = func() time.Time { return now }

	st := s.entries[0]
	s.fire(context.Background(), st)

	// Ошибка публикации не ломает расписание
	want := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	if !st.nextDue.Equal(want) {
		t.Errorf("expected next due %v, got %v", want, st.nextDue)
	}
}

func TestRun_FiresDueEntry(t *testing.T) {
	pub := &fakePublisher{}

	s, err := New(pub, nil, []Entry{{
		Name:       "minutely",
		CronExpr:   "* * * * *",
		RoutingKey: "tick",
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Подменяем nextDue на прошлое: запись должна сработать сразу
	s.entries[0].nextDue = time.Now().Add(-time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	<-done

	if len(pub.published) == 0 {
		t.Fatal("overdue entry must fire immediately")
	}
}
