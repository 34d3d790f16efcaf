package outbox

import (
	"context"
	"log/slog"
	"time"

	courier "github.com/shaiso/Courier"
	"github.com/shaiso/Courier/telemetry"
)

// Publisher публикует сообщения в брокер.
// Реализуется *courier.Channel.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg *courier.Message, opts ...courier.PublishOption) error
}

// Drainer отдаёт батчи неотправленных сообщений.
// Реализуется *Store.
type Drainer interface {
	Drain(ctx context.Context, limit int, publish func(context.Context, *Message) error) (int, error)
}

// RelayOption настраивает Relay.
type RelayOption func(*Relay)

// RelayInterval задаёт период опроса outbox. По умолчанию 1 секунда.
func RelayInterval(d time.Duration) RelayOption {
	return func(r *Relay) { r.interval = d }
}

// RelayBatchSize задаёт размер батча. По умолчанию 100.
func RelayBatchSize(n int) RelayOption {
	return func(r *Relay) { r.batch = n }
}

// Relay перекладывает сообщения из outbox в брокер.
type Relay struct {
	store    Drainer
	pub      Publisher
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

// NewRelay создаёт Relay.
func NewRelay(store Drainer, pub Publisher, logger *slog.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		store:    store,
		pub:      pub,
		logger:   logger,
		interval: time.Second,
		batch:    100,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run запускает цикл доставки до отмены контекста.
// Полный батч обрабатывается без паузы: значит, в outbox есть ещё.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", "interval", r.interval, "batch", r.batch)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		sent, err := r.drainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("outbox drain failed", "error", err)
		}

		if sent == r.batch {
			// батч полный — не ждём следующего тика
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drainOnce обрабатывает один батч.
func (r *Relay) drainOnce(ctx context.Context) (int, error) {
	sent, err := r.store.Drain(ctx, r.batch, r.publish)

	if sent > 0 {
		telemetry.OutboxRelayed.Add(float64(sent))
		r.logger.Debug("outbox batch relayed", "sent", sent)
	}

	return sent, err
}

// publish публикует одну outbox-строку.
func (r *Relay) publish(ctx context.Context, msg *Message) error {
	headers := make(courier.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}

	return r.pub.Publish(ctx, msg.Exchange, msg.RoutingKey, &courier.Message{
		Body:         msg.Body,
		Headers:      headers,
		ContentType:  msg.ContentType,
		DeliveryMode: courier.Persistent,
		MessageID:    msg.ID.String(),
		Timestamp:    msg.CreatedAt,
	})
}
