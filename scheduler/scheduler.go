package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	courier "github.com/shaiso/Courier"
	"github.com/shaiso/Courier/telemetry"
)

// Entry — запись расписания: когда и какое сообщение публиковать.
type Entry struct {
	// Name — уникальное имя записи, попадает в логи и метрики.
	Name string `json:"name"`

	// CronExpr — cron-выражение (минута, час, день, месяц, день недели).
	CronExpr string `json:"cron_expr"`

	// Timezone — timezone расписания. Пустое значение — UTC.
	Timezone string `json:"timezone,omitempty"`

	// Exchange и RoutingKey — куда публиковать.
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`

	// Body — тело сообщения.
	Body []byte `json:"body,omitempty"`

	// ContentType — тип содержимого. По умолчанию application/json.
	ContentType string `json:"content_type,omitempty"`

	// Headers — заголовки сообщения.
	Headers map[string]any `json:"headers,omitempty"`
}

// Validate проверяет корректность записи.
func (e *Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("entry has empty name")
	}
	if e.RoutingKey == "" && e.Exchange == "" {
		return fmt.Errorf("entry %s has neither exchange nor routing key", e.Name)
	}
	return ValidateCronExpr(e.CronExpr)
}

// Publisher публикует сообщения в брокер.
// Реализуется *courier.Channel.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg *courier.Message, opts ...courier.PublishOption) error
}

// entryState — запись с вычисленным временем следующего запуска.
type entryState struct {
	entry   Entry
	nextDue time.Time
}

// Scheduler публикует сообщения по cron-расписанию.
type Scheduler struct {
	pub     Publisher
	logger  *slog.Logger
	entries []*entryState
	now     func() time.Time
}

// New создаёт Scheduler. Все записи валидируются;
// первая некорректная прерывает создание.
func New(pub Publisher, logger *slog.Logger, entries []Entry) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		pub:    pub,
		logger: logger,
		now:    time.Now,
	}

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("validate entry: %w", err)
		}

		next, err := NextDue(&e, s.now())
		if err != nil {
			return nil, err
		}

		s.entries = append(s.entries, &entryState{entry: e, nextDue: next})
	}

	return s, nil
}

// Run запускает цикл публикации до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		s.logger.Info("scheduler has no entries, idle")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info("scheduler started", "entries", len(s.entries))

	for {
		next := s.soonest()
		wait := time.Until(next.nextDue)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-timer.C:
		}

		s.fire(ctx, next)
	}
}

// soonest возвращает запись с ближайшим временем запуска.
func (s *Scheduler) soonest() *entryState {
	soonest := s.entries[0]
	for _, st := range s.entries[1:] {
		if st.nextDue.Before(soonest.nextDue) {
			soonest = st
		}
	}
	return soonest
}

// fire публикует сообщение записи и вычисляет следующий запуск.
func (s *Scheduler) fire(ctx context.Context, st *entryState) {
	e := &st.entry

	contentType := e.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	headers := make(courier.Table, len(e.Headers))
	for k, v := range e.Headers {
		headers[k] = v
	}

	msg := &courier.Message{
		Body:         e.Body,
		Headers:      headers,
		ContentType:  contentType,
		DeliveryMode: courier.Persistent,
		MessageID:    uuid.NewString(),
		Timestamp:    s.now(),
	}

	if err := s.pub.Publish(ctx, e.Exchange, e.RoutingKey, msg); err != nil {
		s.logger.Error("scheduled publish failed", "entry", e.Name, "error", err)
	} else {
		telemetry.ScheduledPublishes.WithLabelValues(e.Name).Inc()
		s.logger.Debug("scheduled publish",
			"entry", e.Name,
			"exchange", e.Exchange,
			"routing_key", e.RoutingKey,
		)
	}

	next, err := NextDue(e, s.now())
	if err != nil {
		// выражение валидировалось в New, сюда попасть нельзя
		s.logger.Error("failed to compute next due", "entry", e.Name, "error", err)
		next = s.now().Add(time.Minute)
	}
	st.nextDue = next
}
