package courier

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind — тип обменника.
type ExchangeKind string

// Типы обменников.
const (
	Direct  ExchangeKind = "direct"
	Fanout  ExchangeKind = "fanout"
	Topic   ExchangeKind = "topic"
	Headers ExchangeKind = "headers"

	// Типы из плагинов RabbitMQ.
	XDelayedMessage ExchangeKind = "x-delayed-message"
	XConsistentHash ExchangeKind = "x-consistent-hash"
	XModulusHash    ExchangeKind = "x-modulus-hash"
)

// ExchangeOption настраивает объявление обменника.
type ExchangeOption func(*exchangeOpts)

type exchangeOpts struct {
	durable    bool
	autoDelete bool
	internal   bool
	passive    bool
	args       Table
	noRestore  bool
}

// ExchangeDurable делает обменник durable.
func ExchangeDurable() ExchangeOption {
	return func(o *exchangeOpts) { o.durable = true }
}

// ExchangeAutoDelete удаляет обменник, когда отвязывается последняя очередь.
func ExchangeAutoDelete() ExchangeOption {
	return func(o *exchangeOpts) { o.autoDelete = true }
}

// ExchangeInternal делает обменник внутренним: публиковать в него
// могут только другие обменники.
func ExchangeInternal() ExchangeOption {
	return func(o *exchangeOpts) { o.internal = true }
}

// ExchangePassive только проверяет существование обменника.
func ExchangePassive() ExchangeOption {
	return func(o *exchangeOpts) { o.passive = true }
}

// ExchangeArgs задаёт дополнительные аргументы объявления.
func ExchangeArgs(args Table) ExchangeOption {
	return func(o *exchangeOpts) { o.args = args }
}

// ExchangeNoRestore исключает обменник из восстановления после reconnect.
func ExchangeNoRestore() ExchangeOption {
	return func(o *exchangeOpts) { o.noRestore = true }
}

// BindOption настраивает привязку.
type BindOption func(*bindOpts)

type bindOpts struct {
	args      Table
	noRestore bool
}

// BindArgs задаёт аргументы привязки (например, x-match для headers).
func BindArgs(args Table) BindOption {
	return func(o *bindOpts) { o.args = args }
}

// BindNoRestore исключает привязку из восстановления после reconnect.
func BindNoRestore() BindOption {
	return func(o *bindOpts) { o.noRestore = true }
}

// exchangeBinding — запись exchange-to-exchange привязки для восстановления.
type exchangeBinding struct {
	source string
	key    string
	args   Table
}

// Exchange — обменник.
//
// Объект запоминает параметры объявления и привязки; после reconnect
// канал вызывает restore, который объявляет обменник заново и
// восстанавливает привязки.
type Exchange struct {
	ch         *Channel
	name       string
	kind       ExchangeKind
	durable    bool
	autoDelete bool
	internal   bool
	passive    bool
	args       Table

	mu       sync.Mutex
	bindings []exchangeBinding
}

// Name возвращает имя обменника. Пустое имя — default exchange.
func (e *Exchange) Name() string { return e.name }

// Kind возвращает тип обменника.
func (e *Exchange) Kind() ExchangeKind { return e.kind }

// declareOn объявляет обменник на низкоуровневом канале.
func (e *Exchange) declareOn(raw *amqp.Channel) error {
	if e.name == "" {
		// default exchange существует всегда
		return nil
	}

	declare := raw.ExchangeDeclare
	if e.passive {
		declare = raw.ExchangeDeclarePassive
	}

	err := declare(
		e.name,
		string(e.kind),
		e.durable,
		e.autoDelete,
		e.internal,
		false,
		e.args,
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", e.name, err)
	}
	return nil
}

// restore объявляет обменник заново и восстанавливает привязки.
// Вызывается каналом после reconnect.
func (e *Exchange) restore(raw *amqp.Channel) error {
	if e.name == "" {
		return nil
	}

	if err := e.declareOn(raw); err != nil {
		return err
	}

	e.mu.Lock()
	bindings := make([]exchangeBinding, len(e.bindings))
	copy(bindings, e.bindings)
	e.mu.Unlock()

	for _, b := range bindings {
		if err := raw.ExchangeBind(e.name, b.key, b.source, false, b.args); err != nil {
			return fmt.Errorf("restore binding %s -> %s: %w", b.source, e.name, err)
		}
	}
	return nil
}

// Bind привязывает обменник к обменнику source: сюда будут попадать
// сообщения из source по ключу routingKey.
func (e *Exchange) Bind(source, routingKey string, opts ...BindOption) error {
	o := bindOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := e.ch.raw()
	if err != nil {
		return err
	}

	if err := raw.ExchangeBind(e.name, routingKey, source, false, o.args); err != nil {
		return fmt.Errorf("bind exchange %s to %s: %w", e.name, source, err)
	}

	if !o.noRestore {
		e.trackBinding(exchangeBinding{
			source: source,
			key:    routingKey,
			args:   o.args,
		})
	}

	return nil
}

// trackBinding регистрирует привязку для восстановления после reconnect.
func (e *Exchange) trackBinding(b exchangeBinding) {
	e.mu.Lock()
	e.bindings = append(e.bindings, b)
	e.mu.Unlock()
}

// untrackBinding снимает привязку с восстановления.
func (e *Exchange) untrackBinding(source, routingKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, b := range e.bindings {
		if b.source == source && b.key == routingKey {
			e.bindings = append(e.bindings[:i], e.bindings[i+1:]...)
			return
		}
	}
}

// Unbind удаляет exchange-to-exchange привязку и её запись восстановления.
func (e *Exchange) Unbind(source, routingKey string, args Table) error {
	raw, err := e.ch.raw()
	if err != nil {
		return err
	}

	e.untrackBinding(source, routingKey)

	if err := raw.ExchangeUnbind(e.name, routingKey, source, false, args); err != nil {
		return fmt.Errorf("unbind exchange %s from %s: %w", e.name, source, err)
	}
	return nil
}

// Publish публикует сообщение в обменник.
// Для internal обменников возвращает ErrPublishToInternal, не трогая канал.
func (e *Exchange) Publish(ctx context.Context, msg *Message, routingKey string, opts ...PublishOption) error {
	if e.internal {
		return fmt.Errorf("%w: %s", ErrPublishToInternal, e.name)
	}
	return e.ch.Publish(ctx, e.name, routingKey, msg, opts...)
}

// Delete удаляет обменник.
func (e *Exchange) Delete(ifUnused bool) error {
	return e.ch.DeleteExchange(e.name, ifUnused)
}
