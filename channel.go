package courier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Courier/telemetry"
)

// ChannelOption настраивает канал при открытии.
type ChannelOption func(*channelOpts)

type channelOpts struct {
	noConfirms bool
}

// WithoutConfirms отключает publisher confirms на канале.
// Publish перестаёт ждать подтверждения брокера.
func WithoutConfirms() ChannelOption {
	return func(o *channelOpts) { o.noConfirms = true }
}

// ConsumeHandler — обработчик доставленного сообщения.
//
// Если обработчик не подтвердил сообщение сам, courier сделает это
// по возвращаемому значению: nil — ack, ошибка — nack (requeue
// настраивается через ConsumeRequeueOnError).
type ConsumeHandler func(ctx context.Context, msg *IncomingMessage) error

// ConsumeOption настраивает consumer.
type ConsumeOption func(*consumeOpts)

type consumeOpts struct {
	tag            string
	noAck          bool
	exclusive      bool
	noLocal        bool
	args           Table
	requeueOnError bool

	// manualResolve отключает автоматический ack/nack по результату
	// обработчика. Используется итератором очереди.
	manualResolve bool
}

// ConsumerTag задаёт тег consumer явно. По умолчанию генерируется uuid.
func ConsumerTag(tag string) ConsumeOption {
	return func(o *consumeOpts) { o.tag = tag }
}

// ConsumeNoAck включает no-ack режим: брокер считает сообщение
// подтверждённым в момент отправки.
func ConsumeNoAck() ConsumeOption {
	return func(o *consumeOpts) { o.noAck = true }
}

// ConsumeExclusive делает consumer эксклюзивным для очереди.
func ConsumeExclusive() ConsumeOption {
	return func(o *consumeOpts) { o.exclusive = true }
}

// ConsumeArgs задаёт дополнительные аргументы basic.consume.
func ConsumeArgs(args Table) ConsumeOption {
	return func(o *consumeOpts) { o.args = args }
}

// ConsumeRequeueOnError управляет requeue при ошибке обработчика.
// По умолчанию true: сообщение возвращается в очередь для retry
// (если retry исчерпаны, DLQ настраивается на уровне очереди).
func ConsumeRequeueOnError(requeue bool) ConsumeOption {
	return func(o *consumeOpts) { o.requeueOnError = requeue }
}

// PublishOption настраивает публикацию.
type PublishOption func(*publishOpts)

type publishOpts struct {
	mandatory bool
	immediate bool
}

// PublishMandatory управляет флагом mandatory. По умолчанию true:
// недоставленные сообщения возвращаются брокером (см. Channel.OnReturn).
func PublishMandatory(mandatory bool) PublishOption {
	return func(o *publishOpts) { o.mandatory = mandatory }
}

// PublishImmediate устанавливает флаг immediate.
func PublishImmediate(immediate bool) PublishOption {
	return func(o *publishOpts) { o.immediate = immediate }
}

// consumer — запись об активном consumer для восстановления после reconnect.
type consumer struct {
	tag     string
	queue   *Queue
	handler ConsumeHandler
	opts    consumeOpts
	ctx     context.Context
	logger  *slog.Logger
}

// Channel — AMQP канал с учётом топологии.
//
// Канал запоминает QoS, объявленные обменники, очереди, привязки и
// consumers. После reconnect соединения всё восстанавливается в порядке:
// confirm-режим → QoS → обменники с привязками → очереди с привязками →
// consumers.
type Channel struct {
	conn     *Connection
	logger   *slog.Logger
	confirms bool

	mu     sync.RWMutex
	ch     *amqp.Channel
	closed bool

	qosSet        bool
	prefetchCount int
	prefetchSize  int
	qosGlobal     bool

	exchanges []*Exchange
	queues    []*Queue
	consumers []*consumer
	def       *Exchange

	returnCallbacks callbackList[Return]
	closeCallbacks  callbackList[error]
}

// newChannel создаёт канал без открытия.
func newChannel(conn *Connection, opts ...ChannelOption) *Channel {
	var o channelOpts
	for _, opt := range opts {
		opt(&o)
	}

	return &Channel{
		conn:     conn,
		logger:   conn.logger,
		confirms: !o.noConfirms,
	}
}

// open открывает низкоуровневый канал на соединении.
func (ch *Channel) open(conn *amqp.Connection) error {
	raw, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if ch.confirms {
		if err := raw.Confirm(false); err != nil {
			raw.Close()
			return fmt.Errorf("enable confirms: %w", err)
		}
	}

	ch.watchReturns(raw)

	ch.mu.Lock()
	ch.ch = raw
	ch.mu.Unlock()

	return nil
}

// watchReturns транслирует basic.return в зарегистрированные коллбэки.
// Горутина завершается вместе с низкоуровневым каналом.
func (ch *Channel) watchReturns(raw *amqp.Channel) {
	returns := raw.NotifyReturn(make(chan amqp.Return, 1))
	go func() {
		for r := range returns {
			ch.logger.Debug("message returned",
				"exchange", r.Exchange,
				"routing_key", r.RoutingKey,
				"reply_code", r.ReplyCode,
				"reply_text", r.ReplyText,
			)
			ch.returnCallbacks.Fire(newReturn(r))
		}
	}()
}

// reopen переоткрывает канал на новом соединении и восстанавливает топологию.
func (ch *Channel) reopen(conn *amqp.Connection) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil
	}

	ch.logger.Debug("reopening channel")

	raw, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("reopen channel: %w", err)
	}

	if ch.confirms {
		if err := raw.Confirm(false); err != nil {
			raw.Close()
			return fmt.Errorf("enable confirms: %w", err)
		}
	}

	ch.watchReturns(raw)
	ch.ch = raw

	if ch.qosSet {
		if err := raw.Qos(ch.prefetchCount, ch.prefetchSize, ch.qosGlobal); err != nil {
			return fmt.Errorf("restore qos: %w", err)
		}
	}

	for _, ex := range ch.exchanges {
		if err := ex.restore(raw); err != nil {
			return fmt.Errorf("restore exchange %s: %w", ex.name, err)
		}
	}

	for _, q := range ch.queues {
		if err := q.restore(raw); err != nil {
			return fmt.Errorf("restore queue %s: %w", q.Name(), err)
		}
	}

	for _, cons := range ch.consumers {
		deliveries, err := raw.Consume(
			cons.queue.Name(),
			cons.tag,
			cons.opts.noAck,
			cons.opts.exclusive,
			cons.opts.noLocal,
			false,
			cons.opts.args,
		)
		if err != nil {
			return fmt.Errorf("restore consumer %s: %w", cons.tag, err)
		}
		go ch.pump(cons, deliveries)
	}

	ch.logger.Info("channel restored",
		"exchanges", len(ch.exchanges),
		"queues", len(ch.queues),
		"consumers", len(ch.consumers),
	)

	return nil
}

// raw возвращает низкоуровневый канал.
func (ch *Channel) raw() (*amqp.Channel, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	if ch.closed || ch.ch == nil {
		return nil, ErrChannelClosed
	}
	return ch.ch, nil
}

// SetQoS задаёт prefetch. Запоминается и переустанавливается после reconnect.
func (ch *Channel) SetQoS(prefetchCount, prefetchSize int, global bool) error {
	raw, err := ch.raw()
	if err != nil {
		return err
	}

	if err := raw.Qos(prefetchCount, prefetchSize, global); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	ch.mu.Lock()
	ch.qosSet = true
	ch.prefetchCount = prefetchCount
	ch.prefetchSize = prefetchSize
	ch.qosGlobal = global
	ch.mu.Unlock()

	return nil
}

// Flow приостанавливает (false) или возобновляет (true) поток доставок.
func (ch *Channel) Flow(active bool) error {
	raw, err := ch.raw()
	if err != nil {
		return err
	}
	return raw.Flow(active)
}

// DeclareExchange объявляет обменник и регистрирует его для восстановления.
// Internal и non-restore обменники не восстанавливаются.
func (ch *Channel) DeclareExchange(name string, kind ExchangeKind, opts ...ExchangeOption) (*Exchange, error) {
	o := exchangeOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := ch.raw()
	if err != nil {
		return nil, err
	}

	ex := &Exchange{
		ch:         ch,
		name:       name,
		kind:       kind,
		durable:    o.durable,
		autoDelete: o.autoDelete,
		internal:   o.internal,
		passive:    o.passive,
		args:       o.args,
	}

	if err := ex.declareOn(raw); err != nil {
		return nil, err
	}

	if !o.internal && !o.noRestore {
		ch.trackExchange(ex)
	}

	return ex, nil
}

// trackExchange регистрирует обменник для восстановления после reconnect.
func (ch *Channel) trackExchange(ex *Exchange) {
	ch.mu.Lock()
	ch.exchanges = append(ch.exchanges, ex)
	ch.mu.Unlock()
}

// untrackExchange снимает обменник с восстановления.
func (ch *Channel) untrackExchange(name string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for i, ex := range ch.exchanges {
		if ex.name == name {
			ch.exchanges = append(ch.exchanges[:i], ch.exchanges[i+1:]...)
			return
		}
	}
}

// DeleteExchange удаляет обменник и его запись восстановления.
func (ch *Channel) DeleteExchange(name string, ifUnused bool) error {
	raw, err := ch.raw()
	if err != nil {
		return err
	}

	ch.untrackExchange(name)

	if err := raw.ExchangeDelete(name, ifUnused, false); err != nil {
		return fmt.Errorf("delete exchange %s: %w", name, err)
	}
	return nil
}

// DeclareQueue объявляет очередь и регистрирует её для восстановления.
// Пустое имя — server-named очередь; имя переназначается после reconnect.
func (ch *Channel) DeclareQueue(name string, opts ...QueueOption) (*Queue, error) {
	o := queueOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := ch.raw()
	if err != nil {
		return nil, err
	}

	q := &Queue{
		ch:          ch,
		name:        name,
		serverNamed: name == "",
		durable:     o.durable,
		exclusive:   o.exclusive,
		autoDelete:  o.autoDelete,
		passive:     o.passive,
		args:        o.args,
	}

	if err := q.declareOn(raw); err != nil {
		return nil, err
	}

	if !o.noRestore {
		ch.trackQueue(q)
	}

	return q, nil
}

// trackQueue регистрирует очередь для восстановления после reconnect.
func (ch *Channel) trackQueue(q *Queue) {
	ch.mu.Lock()
	ch.queues = append(ch.queues, q)
	ch.mu.Unlock()
}

// untrackQueue снимает очередь с восстановления.
func (ch *Channel) untrackQueue(name string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for i, q := range ch.queues {
		if q.name == name {
			ch.queues = append(ch.queues[:i], ch.queues[i+1:]...)
			return
		}
	}
}

// DeleteQueue удаляет очередь и её запись восстановления.
// Возвращает количество удалённых сообщений.
func (ch *Channel) DeleteQueue(name string, ifUnused, ifEmpty bool) (int, error) {
	raw, err := ch.raw()
	if err != nil {
		return 0, err
	}

	ch.untrackQueue(name)

	purged, err := raw.QueueDelete(name, ifUnused, ifEmpty, false)
	if err != nil {
		return 0, fmt.Errorf("delete queue %s: %w", name, err)
	}
	return purged, nil
}

// DefaultExchange возвращает default exchange: безымянный direct-обменник,
// маршрутизирующий по имени очереди. Не объявляется и не восстанавливается.
func (ch *Channel) DefaultExchange() *Exchange {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.def == nil {
		ch.def = &Exchange{ch: ch, name: "", kind: Direct}
	}
	return ch.def
}

// Publish публикует сообщение в обменник с ключом маршрутизации.
//
// В confirm-режиме блокируется до подтверждения брокером; basic.nack
// превращается в ErrNackReceived.
func (ch *Channel) Publish(ctx context.Context, exchange, routingKey string, msg *Message, opts ...PublishOption) error {
	o := publishOpts{mandatory: true}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := ch.raw()
	if err != nil {
		return err
	}

	if err := ch.publishOn(ctx, raw, exchange, routingKey, msg, o); err != nil {
		telemetry.PublishErrors.Inc()
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	telemetry.Published.WithLabelValues(exchange).Inc()

	telemetry.WithExchange(ch.logger, exchange).Debug("published message",
		"routing_key", routingKey,
		"message_id", msg.MessageID,
	)

	return nil
}

// publishOn выполняет публикацию на конкретном низкоуровневом канале.
func (ch *Channel) publishOn(ctx context.Context, raw *amqp.Channel, exchange, routingKey string, msg *Message, o publishOpts) error {
	if !ch.confirms {
		return raw.PublishWithContext(
			ctx, exchange, routingKey, o.mandatory, o.immediate, msg.publishing(),
		)
	}

	confirmation, err := raw.PublishWithDeferredConfirmWithContext(
		ctx, exchange, routingKey, o.mandatory, o.immediate, msg.publishing(),
	)
	if err != nil {
		return err
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNackReceived
	}
	return nil
}

// consume запускает consumer очереди и регистрирует его для восстановления.
func (ch *Channel) consume(ctx context.Context, q *Queue, handler ConsumeHandler, opts ...ConsumeOption) (string, error) {
	o := consumeOpts{requeueOnError: true}
	for _, opt := range opts {
		opt(&o)
	}

	if o.tag == "" {
		o.tag = "courier-" + uuid.NewString()
	}

	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := ch.raw()
	if err != nil {
		return "", err
	}

	deliveries, err := raw.Consume(
		q.Name(), o.tag, o.noAck, o.exclusive, o.noLocal, false, o.args,
	)
	if err != nil {
		return "", fmt.Errorf("consume %s: %w", q.Name(), err)
	}

	logger := telemetry.WithConsumerTag(telemetry.WithQueue(ch.logger, q.Name()), o.tag)

	cons := &consumer{
		tag:     o.tag,
		queue:   q,
		handler: handler,
		opts:    o,
		// обработчик достаёт логгер через telemetry.FromContext
		ctx:    telemetry.WithLogger(ctx, logger),
		logger: logger,
	}

	ch.mu.Lock()
	ch.consumers = append(ch.consumers, cons)
	ch.mu.Unlock()

	go ch.pump(cons, deliveries)

	logger.Info("consumer started")
	return o.tag, nil
}

// pump обрабатывает доставки одного consumer. Завершение канала доставок
// не снимает consumer с учёта: после reconnect он будет перезапущен.
func (ch *Channel) pump(cons *consumer, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-cons.ctx.Done():
			_ = ch.cancelConsumer(cons.tag)
			return

		case d, ok := <-deliveries:
			if !ok {
				return
			}
			ch.handleDelivery(cons, d)
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
func (ch *Channel) handleDelivery(cons *consumer, d amqp.Delivery) {
	msg := newIncomingMessage(d, cons.opts.noAck)
	telemetry.Consumed.WithLabelValues(cons.queue.Name()).Inc()

	err := cons.handler(cons.ctx, msg)

	if cons.opts.manualResolve || cons.opts.noAck {
		return
	}

	if err != nil {
		cons.logger.Error("handler failed", "error", err)
		if msg.resolve() {
			_ = d.Nack(false, cons.opts.requeueOnError)
		}
		return
	}

	if msg.resolve() {
		_ = d.Ack(false)
	}
}

// cancelConsumer останавливает consumer и снимает его с учёта.
func (ch *Channel) cancelConsumer(tag string) error {
	ch.mu.Lock()
	for i, cons := range ch.consumers {
		if cons.tag == tag {
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			break
		}
	}
	raw := ch.ch
	closed := ch.closed
	ch.mu.Unlock()

	if closed || raw == nil {
		return nil
	}

	if err := raw.Cancel(tag, false); err != nil {
		return fmt.Errorf("cancel consumer %s: %w", tag, err)
	}
	return nil
}

// OnReturn добавляет коллбэк для недоставленных mandatory-сообщений.
// Возвращает функцию снятия коллбэка.
func (ch *Channel) OnReturn(fn func(Return)) (remove func()) {
	return ch.returnCallbacks.Add(fn)
}

// OnClose добавляет коллбэк, вызываемый после закрытия канала.
// Возвращает функцию снятия коллбэка.
func (ch *Channel) OnClose(fn func(err error)) (remove func()) {
	return ch.closeCallbacks.Add(fn)
}

// IsClosed проверяет, закрыт ли канал.
func (ch *Channel) IsClosed() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.closed || ch.ch == nil
}

// Close закрывает канал и снимает его с восстановления.
// Повторный вызов безопасен.
func (ch *Channel) Close() error {
	ch.conn.removeChannel(ch)
	return ch.close()
}

// close закрывает канал без обращения к соединению.
func (ch *Channel) close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	raw := ch.ch
	ch.ch = nil
	ch.mu.Unlock()

	var err error
	if raw != nil {
		err = raw.Close()
	}

	ch.closeCallbacks.Fire(nil)
	return err
}

// markClosed помечает канал закрытым после фатального разрыва соединения.
func (ch *Channel) markClosed(err error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.ch = nil
	ch.mu.Unlock()

	ch.closeCallbacks.Fire(err)
}
