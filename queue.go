package courier

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueOption настраивает объявление очереди.
type QueueOption func(*queueOpts)

type queueOpts struct {
	durable    bool
	exclusive  bool
	autoDelete bool
	passive    bool
	args       Table
	noRestore  bool
}

// QueueDurable делает очередь durable.
func QueueDurable() QueueOption {
	return func(o *queueOpts) { o.durable = true }
}

// QueueExclusive делает очередь эксклюзивной для соединения.
func QueueExclusive() QueueOption {
	return func(o *queueOpts) { o.exclusive = true }
}

// QueueAutoDelete удаляет очередь после отключения последнего consumer.
func QueueAutoDelete() QueueOption {
	return func(o *queueOpts) { o.autoDelete = true }
}

// QueuePassive только проверяет существование очереди.
func QueuePassive() QueueOption {
	return func(o *queueOpts) { o.passive = true }
}

// QueueArgs задаёт дополнительные аргументы объявления
// (x-dead-letter-exchange, x-message-ttl и т.п.).
func QueueArgs(args Table) QueueOption {
	return func(o *queueOpts) { o.args = args }
}

// QueueNoRestore исключает очередь из восстановления после reconnect.
func QueueNoRestore() QueueOption {
	return func(o *queueOpts) { o.noRestore = true }
}

// queueBinding — запись привязки очереди для восстановления.
type queueBinding struct {
	exchange string
	key      string
	args     Table
}

// Queue — очередь.
//
// Объект запоминает параметры объявления и привязки. Server-named
// очереди (пустое имя) после reconnect объявляются заново и получают
// новое имя от брокера.
type Queue struct {
	ch          *Channel
	serverNamed bool
	durable     bool
	exclusive   bool
	autoDelete  bool
	passive     bool
	args        Table

	mu            sync.Mutex
	name          string
	bindings      []queueBinding
	messageCount  int
	consumerCount int
}

// Name возвращает текущее имя очереди.
// Для server-named очередей имя меняется после reconnect.
func (q *Queue) Name() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.name
}

// Messages возвращает количество сообщений на момент объявления.
func (q *Queue) Messages() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.messageCount
}

// Consumers возвращает количество consumers на момент объявления.
func (q *Queue) Consumers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumerCount
}

// declareOn объявляет очередь на низкоуровневом канале.
func (q *Queue) declareOn(raw *amqp.Channel) error {
	q.mu.Lock()
	name := q.name
	if q.serverNamed {
		// после reconnect брокер назначит новое имя
		name = ""
	}
	q.mu.Unlock()

	declare := raw.QueueDeclare
	if q.passive {
		declare = raw.QueueDeclarePassive
	}

	result, err := declare(
		name,
		q.durable,
		q.autoDelete,
		q.exclusive,
		false,
		q.args,
	)
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}

	q.mu.Lock()
	q.name = result.Name
	q.messageCount = result.Messages
	q.consumerCount = result.Consumers
	q.mu.Unlock()

	return nil
}

// restore объявляет очередь заново и восстанавливает привязки.
// Вызывается каналом после reconnect.
func (q *Queue) restore(raw *amqp.Channel) error {
	if err := q.declareOn(raw); err != nil {
		return err
	}

	q.mu.Lock()
	name := q.name
	bindings := make([]queueBinding, len(q.bindings))
	copy(bindings, q.bindings)
	q.mu.Unlock()

	for _, b := range bindings {
		if err := raw.QueueBind(name, b.key, b.exchange, false, b.args); err != nil {
			return fmt.Errorf("restore binding %s -> %s: %w", b.exchange, name, err)
		}
	}
	return nil
}

// Bind привязывает очередь к обменнику.
// Пустой routingKey заменяется именем очереди.
func (q *Queue) Bind(exchange, routingKey string, opts ...BindOption) error {
	o := bindOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	if routingKey == "" {
		routingKey = q.Name()
	}

	raw, err := q.ch.raw()
	if err != nil {
		return err
	}

	if err := raw.QueueBind(q.Name(), routingKey, exchange, false, o.args); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", q.Name(), exchange, err)
	}

	if !o.noRestore {
		q.trackBinding(queueBinding{
			exchange: exchange,
			key:      routingKey,
			args:     o.args,
		})
	}

	return nil
}

// trackBinding регистрирует привязку для восстановления после reconnect.
func (q *Queue) trackBinding(b queueBinding) {
	q.mu.Lock()
	q.bindings = append(q.bindings, b)
	q.mu.Unlock()
}

// untrackBinding снимает привязку с восстановления.
func (q *Queue) untrackBinding(exchange, routingKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, b := range q.bindings {
		if b.exchange == exchange && b.key == routingKey {
			q.bindings = append(q.bindings[:i], q.bindings[i+1:]...)
			return
		}
	}
}

// Unbind удаляет привязку очереди и её запись восстановления.
func (q *Queue) Unbind(exchange, routingKey string, args Table) error {
	if routingKey == "" {
		routingKey = q.Name()
	}

	q.untrackBinding(exchange, routingKey)

	raw, err := q.ch.raw()
	if err != nil {
		return err
	}

	if err := raw.QueueUnbind(q.Name(), routingKey, exchange, args); err != nil {
		return fmt.Errorf("unbind queue %s from %s: %w", q.Name(), exchange, err)
	}
	return nil
}

// Consume запускает обработку сообщений очереди.
// Consumer переживает reconnect: после восстановления канала подписка
// возобновляется с тем же тегом. Возвращает тег consumer.
func (q *Queue) Consume(ctx context.Context, handler ConsumeHandler, opts ...ConsumeOption) (string, error) {
	return q.ch.consume(ctx, q, handler, opts...)
}

// Cancel останавливает consumer по тегу.
func (q *Queue) Cancel(consumerTag string) error {
	return q.ch.cancelConsumer(consumerTag)
}

// Get забирает одно сообщение через basic.get.
// Возвращает ErrQueueEmpty, если очередь пуста.
func (q *Queue) Get(noAck bool) (*IncomingMessage, error) {
	raw, err := q.ch.raw()
	if err != nil {
		return nil, err
	}

	d, ok, err := raw.Get(q.Name(), noAck)
	if err != nil {
		return nil, fmt.Errorf("get from %s: %w", q.Name(), err)
	}
	if !ok {
		return nil, ErrQueueEmpty
	}

	return newIncomingMessage(d, noAck), nil
}

// Purge удаляет все сообщения из очереди.
// Возвращает количество удалённых сообщений.
func (q *Queue) Purge() (int, error) {
	raw, err := q.ch.raw()
	if err != nil {
		return 0, err
	}

	purged, err := raw.QueuePurge(q.Name(), false)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", q.Name(), err)
	}
	return purged, nil
}

// Delete удаляет очередь. Возвращает количество удалённых сообщений.
func (q *Queue) Delete(ifUnused, ifEmpty bool) (int, error) {
	return q.ch.DeleteQueue(q.Name(), ifUnused, ifEmpty)
}

// Iterator запускает pull-style consumer.
//
// Сообщения подтверждаются получателем (см. IncomingMessage.Process).
// Close отменяет подписку и возвращает неразобранные сообщения в очередь.
func (q *Queue) Iterator(ctx context.Context, opts ...ConsumeOption) (*QueueIterator, error) {
	it := &QueueIterator{
		queue: q,
		msgs:  make(chan *IncomingMessage),
		done:  make(chan struct{}),
	}

	opts = append(opts, func(o *consumeOpts) { o.manualResolve = true })

	tag, err := q.Consume(ctx, it.deliver, opts...)
	if err != nil {
		return nil, err
	}
	it.tag = tag

	return it, nil
}

// QueueIterator — pull-style consumer очереди.
type QueueIterator struct {
	queue *Queue
	tag   string
	msgs  chan *IncomingMessage
	done  chan struct{}
	once  sync.Once
}

// deliver — обработчик consumer, передающий сообщения получателю Next.
// После закрытия итератора сообщения возвращаются в очередь.
func (it *QueueIterator) deliver(ctx context.Context, msg *IncomingMessage) error {
	select {
	case it.msgs <- msg:
		return nil
	case <-it.done:
		return msg.Reject(true)
	case <-ctx.Done():
		return msg.Reject(true)
	}
}

// Next возвращает следующее сообщение.
// Блокируется до доставки, отмены ctx или закрытия итератора.
func (it *QueueIterator) Next(ctx context.Context) (*IncomingMessage, error) {
	select {
	case msg := <-it.msgs:
		return msg, nil
	case <-it.done:
		return nil, ErrIteratorClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close отменяет подписку. Повторный вызов безопасен.
func (it *QueueIterator) Close() error {
	var err error
	it.once.Do(func() {
		close(it.done)
		err = it.queue.Cancel(it.tag)

		// возвращаем уже доставленные, но не разобранные сообщения
		for {
			select {
			case msg := <-it.msgs:
				_ = msg.Reject(true)
			default:
				return
			}
		}
	})
	return err
}
