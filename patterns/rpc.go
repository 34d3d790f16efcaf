package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	courier "github.com/shaiso/Courier"
	"github.com/shaiso/Courier/telemetry"
)

// DLXName — имя headers-обменника для просроченных RPC сообщений.
const DLXName = "rpc.dlx"

// Типы RPC сообщений.
const (
	messageTypeCall   = "call"
	messageTypeResult = "result"
	messageTypeError  = "error"
)

// Ошибки RPC.
var (
	// ErrCallExpired — вызов пролежал в очереди дольше expiration.
	ErrCallExpired = errors.New("rpc call expired")

	// ErrCallReturned — вызов не был доставлен ни в одну очередь
	// (метод не зарегистрирован ни одним worker).
	ErrCallReturned = errors.New("rpc call returned: no route")

	// ErrRPCClosed — вызов через закрытый RPC.
	ErrRPCClosed = errors.New("rpc is closed")

	// ErrMethodRegistered — повторная регистрация метода.
	ErrMethodRegistered = errors.New("method is already registered")

	// ErrUnknownResultType — ответ с неизвестным type.
	ErrUnknownResultType = errors.New("unknown rpc result type")
)

// RemoteError — ошибка, вернувшаяся от удалённого обработчика.
type RemoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error реализует интерфейс error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Type, e.Message)
}

// errorEnvelope — JSON-обёртка ошибки в ответе.
type errorEnvelope struct {
	Error RemoteError `json:"error"`
}

// Handler — обработчик удалённого метода.
// Возвращаемое значение сериализуется в JSON и отправляется вызывающему.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// callResult — результат ожидающего вызова.
type callResult struct {
	body json.RawMessage
	err  error
}

// route — запись зарегистрированного метода.
type route struct {
	queue *courier.Queue
	tag   string
}

// RPC — Remote Procedure Call поверх канала courier.
//
// Создание:
//
//	rpc, err := patterns.NewRPC(ctx, ch)
//
// Регистрация метода:
//
//	err := rpc.Register(ctx, "multiply", func(ctx context.Context, payload json.RawMessage) (any, error) {
//		var args struct{ X, Y int }
//		if err := json.Unmarshal(payload, &args); err != nil {
//			return nil, err
//		}
//		return args.X * args.Y, nil
//	})
//
// Вызов:
//
//	result, err := rpc.Call(ctx, "multiply", map[string]int{"x": 2, "y": 3})
type RPC struct {
	ch     *courier.Channel
	logger *slog.Logger

	dlx         *courier.Exchange
	resultQueue *courier.Queue
	resultTag   string

	removeOnReturn func()
	removeOnClose  func()

	mu      sync.Mutex
	pending map[string]chan callResult
	routes  map[string]route
	closed  bool
}

// NewRPC создаёт RPC: объявляет result-очередь и DLX, подписывается
// на ответы.
func NewRPC(ctx context.Context, ch *courier.Channel, logger *slog.Logger) (*RPC, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &RPC{
		ch:      ch,
		logger:  logger,
		pending: make(map[string]chan callResult),
		routes:  make(map[string]route),
	}

	resultQueue, err := ch.DeclareQueue("", courier.QueueAutoDelete())
	if err != nil {
		return nil, fmt.Errorf("declare result queue: %w", err)
	}
	r.resultQueue = resultQueue

	dlx, err := ch.DeclareExchange(DLXName, courier.Headers, courier.ExchangeAutoDelete())
	if err != nil {
		return nil, fmt.Errorf("declare dlx: %w", err)
	}
	r.dlx = dlx

	err = resultQueue.Bind(DLXName, "", courier.BindArgs(courier.Table{
		"From":    resultQueue.Name(),
		"x-match": "any",
	}))
	if err != nil {
		return nil, fmt.Errorf("bind result queue: %w", err)
	}

	tag, err := resultQueue.Consume(ctx, r.onResult,
		courier.ConsumeExclusive(), courier.ConsumeNoAck(),
	)
	if err != nil {
		return nil, fmt.Errorf("consume result queue: %w", err)
	}
	r.resultTag = tag

	r.removeOnReturn = ch.OnReturn(r.onReturned)
	r.removeOnClose = ch.OnClose(r.onChannelClose)

	return r, nil
}

// takePending извлекает ожидающий вызов по correlation id.
func (r *RPC) takePending(correlationID string) (chan callResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	return ch, ok
}

// onResult обрабатывает сообщение из result-очереди.
func (r *RPC) onResult(ctx context.Context, msg *courier.IncomingMessage) error {
	if msg.CorrelationID == "" {
		r.logger.Warn("rpc result without correlation_id")
		return nil
	}

	pending, ok := r.takePending(msg.CorrelationID)
	if !ok {
		r.logger.Warn("unknown rpc result", "correlation_id", msg.CorrelationID)
		return nil
	}

	switch msg.Type {
	case messageTypeResult:
		pending <- callResult{body: msg.Body}

	case messageTypeError:
		var envelope errorEnvelope
		if err := json.Unmarshal(msg.Body, &envelope); err != nil {
			pending <- callResult{err: fmt.Errorf("decode error envelope: %w", err)}
			return nil
		}
		remote := envelope.Error
		pending <- callResult{err: &remote}

	case messageTypeCall:
		// собственный вызов вернулся через DLX: истёк expiration
		pending <- callResult{err: ErrCallExpired}

	default:
		pending <- callResult{err: fmt.Errorf("%w: %q", ErrUnknownResultType, msg.Type)}
	}

	return nil
}

// onReturned обрабатывает недоставленные mandatory-вызовы.
func (r *RPC) onReturned(ret courier.Return) {
	if ret.CorrelationID == "" {
		return
	}

	pending, ok := r.takePending(ret.CorrelationID)
	if !ok {
		return
	}

	pending <- callResult{err: courier.NewDeliveryError(ret, ErrCallReturned)}
}

// onChannelClose завершает все ожидающие вызовы ошибкой.
func (r *RPC) onChannelClose(err error) {
	if err == nil {
		err = courier.ErrChannelClosed
	}

	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan callResult)
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// CallOption настраивает вызов.
type CallOption func(*callOpts)

type callOpts struct {
	expiration   time.Duration
	priority     uint8
	deliveryMode courier.DeliveryMode
}

// CallExpiration задаёт TTL вызова. Просроченный вызов завершается
// ErrCallExpired, когда сообщение возвращается через DLX.
func CallExpiration(d time.Duration) CallOption {
	return func(o *callOpts) { o.expiration = d }
}

// CallPriority задаёт приоритет сообщения вызова. По умолчанию 5.
func CallPriority(priority uint8) CallOption {
	return func(o *callOpts) { o.priority = priority }
}

// Call вызывает удалённый метод и ждёт результата.
// payload сериализуется в JSON; nil превращается в пустой объект.
func (r *RPC) Call(ctx context.Context, method string, payload any, opts ...CallOption) (json.RawMessage, error) {
	o := callOpts{priority: 5, deliveryMode: courier.Transient}
	for _, opt := range opts {
		opt(&o)
	}

	if payload == nil {
		payload = struct{}{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRPCClosed
	}
	correlationID := uuid.NewString()
	result := make(chan callResult, 1)
	r.pending[correlationID] = result
	r.mu.Unlock()

	msg := &courier.Message{
		Body:          body,
		ContentType:   "application/json",
		Type:          messageTypeCall,
		Timestamp:     time.Now(),
		Priority:      o.priority,
		CorrelationID: correlationID,
		DeliveryMode:  o.deliveryMode,
		ReplyTo:       r.resultQueue.Name(),
		Expiration:    o.expiration,
		Headers:       courier.Table{"From": r.resultQueue.Name()},
	}

	r.logger.Debug("publishing rpc call", "method", method, "correlation_id", correlationID)

	err = r.ch.DefaultExchange().Publish(ctx, msg, method)
	if err != nil {
		r.takePending(correlationID)
		telemetry.RPCCalls.WithLabelValues(method, "publish_error").Inc()
		return nil, err
	}

	select {
	case res := <-result:
		if res.err != nil {
			telemetry.RPCCalls.WithLabelValues(method, "error").Inc()
			return nil, res.err
		}
		telemetry.RPCCalls.WithLabelValues(method, "ok").Inc()
		return res.body, nil

	case <-ctx.Done():
		r.takePending(correlationID)
		telemetry.RPCCalls.WithLabelValues(method, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// RegisterOption настраивает очередь метода.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	durable    bool
	autoDelete bool
	args       courier.Table
}

// RegisterDurable делает очередь метода durable.
func RegisterDurable() RegisterOption {
	return func(o *registerOpts) { o.durable = true }
}

// RegisterAutoDelete удаляет очередь метода после отключения worker.
func RegisterAutoDelete() RegisterOption {
	return func(o *registerOpts) { o.autoDelete = true }
}

// RegisterArgs задаёт дополнительные аргументы очереди метода.
func RegisterArgs(args courier.Table) RegisterOption {
	return func(o *registerOpts) { o.args = args }
}

// Register объявляет очередь с именем метода и подписывает обработчик.
// Просроченные вызовы уходят в rpc.dlx и возвращаются вызывающему.
func (r *RPC) Register(ctx context.Context, method string, handler Handler, opts ...RegisterOption) error {
	o := registerOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	args := courier.Table{"x-dead-letter-exchange": DLXName}
	for k, v := range o.args {
		args[k] = v
	}

	// резервируем метод до объявления: параллельный Register
	// того же метода не должен пройти проверку дважды
	if err := r.reserveMethod(method); err != nil {
		return err
	}

	queueOpts := []courier.QueueOption{courier.QueueArgs(args)}
	if o.durable {
		queueOpts = append(queueOpts, courier.QueueDurable())
	}
	if o.autoDelete {
		queueOpts = append(queueOpts, courier.QueueAutoDelete())
	}

	queue, err := r.ch.DeclareQueue(method, queueOpts...)
	if err != nil {
		r.releaseMethod(method)
		return fmt.Errorf("declare method queue: %w", err)
	}

	tag, err := queue.Consume(ctx, r.callHandler(method, handler))
	if err != nil {
		r.releaseMethod(method)
		return fmt.Errorf("consume method queue: %w", err)
	}

	r.mu.Lock()
	r.routes[method] = route{queue: queue, tag: tag}
	r.mu.Unlock()

	r.logger.Info("rpc method registered", "method", method)
	return nil
}

// reserveMethod занимает имя метода записью-заглушкой.
func (r *RPC) reserveMethod(method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRPCClosed
	}
	if _, exists := r.routes[method]; exists {
		return fmt.Errorf("%w: %s", ErrMethodRegistered, method)
	}
	r.routes[method] = route{}
	return nil
}

// releaseMethod освобождает имя метода после неудачной регистрации.
func (r *RPC) releaseMethod(method string) {
	r.mu.Lock()
	delete(r.routes, method)
	r.mu.Unlock()
}

// callHandler оборачивает обработчик метода: десериализация вызова,
// выполнение, отправка результата или ошибки в reply-очередь.
func (r *RPC) callHandler(method string, handler Handler) courier.ConsumeHandler {
	return func(ctx context.Context, msg *courier.IncomingMessage) error {
		// логгер consumer несёт очередь и тег
		logger := telemetry.FromContext(ctx)

		var (
			body    []byte
			msgType string
		)

		result, err := handler(ctx, msg.Body)
		if err != nil {
			body = encodeError(err)
			msgType = messageTypeError
		} else {
			body, err = json.Marshal(result)
			if err != nil {
				body = encodeError(fmt.Errorf("marshal result: %w", err))
				msgType = messageTypeError
			} else {
				msgType = messageTypeResult
			}
		}

		if msg.ReplyTo == "" {
			logger.Warn("rpc call without reply_to, result is lost", "method", method)
			return nil
		}

		reply := &courier.Message{
			Body:          body,
			ContentType:   "application/json",
			CorrelationID: msg.CorrelationID,
			DeliveryMode:  msg.DeliveryMode,
			Timestamp:     time.Now(),
			Type:          msgType,
		}

		err = r.ch.DefaultExchange().Publish(
			ctx, reply, msg.ReplyTo, courier.PublishMandatory(false),
		)
		if err != nil {
			logger.Error("failed to send rpc reply", "method", method, "error", err)
			_ = msg.Reject(false)
			return err
		}

		return nil
	}
}

// encodeError сериализует ошибку обработчика в JSON-обёртку.
func encodeError(err error) []byte {
	body, marshalErr := json.Marshal(errorEnvelope{
		Error: RemoteError{
			Type:    fmt.Sprintf("%T", err),
			Message: err.Error(),
		},
	})
	if marshalErr != nil {
		return []byte(`{"error":{"type":"error","message":"unserializable error"}}`)
	}
	return body
}

// Unregister отменяет подписку на метод.
func (r *RPC) Unregister(method string) error {
	r.mu.Lock()
	rt, ok := r.routes[method]
	if ok {
		delete(r.routes, method)
	}
	r.mu.Unlock()

	if !ok || rt.queue == nil {
		return nil
	}
	return rt.queue.Cancel(rt.tag)
}

// Close отменяет подписки, завершает ожидающие вызовы и удаляет
// result-очередь. Повторный вызов безопасен.
func (r *RPC) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	routes := r.routes
	r.routes = make(map[string]route)
	pending := r.pending
	r.pending = make(map[string]chan callResult)
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: ErrRPCClosed}
	}

	// снимаем коллбэки канала: закрытый RPC не должен трогать pending
	if r.removeOnReturn != nil {
		r.removeOnReturn()
	}
	if r.removeOnClose != nil {
		r.removeOnClose()
	}

	var errs []error

	for method, rt := range routes {
		if rt.queue == nil {
			continue
		}
		if err := rt.queue.Cancel(rt.tag); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", method, err))
		}
	}

	if err := r.resultQueue.Cancel(r.resultTag); err != nil {
		errs = append(errs, fmt.Errorf("cancel result consumer: %w", err))
	}

	err := r.resultQueue.Unbind(DLXName, "", courier.Table{
		"From":    r.resultQueue.Name(),
		"x-match": "any",
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("unbind result queue: %w", err))
	}

	if _, err := r.resultQueue.Delete(false, false); err != nil {
		errs = append(errs, fmt.Errorf("delete result queue: %w", err))
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
