package courier

import (
	"strconv"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Table — AMQP-таблица заголовков.
type Table = amqp.Table

// DeliveryMode — режим доставки сообщения.
type DeliveryMode uint8

// Режимы доставки.
const (
	// Transient — сообщение не переживёт рестарт брокера.
	Transient DeliveryMode = DeliveryMode(amqp.Transient)

	// Persistent — сообщение сохраняется на диск в durable-очередях.
	Persistent DeliveryMode = DeliveryMode(amqp.Persistent)
)

// Message — исходящее сообщение.
//
// Expiration задаётся как time.Duration и сериализуется в миллисекунды,
// как того требует протокол.
type Message struct {
	Body            []byte
	Headers         Table
	ContentType     string
	ContentEncoding string
	DeliveryMode    DeliveryMode
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      time.Duration
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// publishing конвертирует Message в amqp091.Publishing.
func (m *Message) publishing() amqp.Publishing {
	var expiration string
	if m.Expiration > 0 {
		expiration = strconv.FormatInt(m.Expiration.Milliseconds(), 10)
	}

	return amqp.Publishing{
		Headers:         m.Headers,
		ContentType:     m.ContentType,
		ContentEncoding: m.ContentEncoding,
		DeliveryMode:    uint8(m.DeliveryMode),
		Priority:        m.Priority,
		CorrelationId:   m.CorrelationID,
		ReplyTo:         m.ReplyTo,
		Expiration:      expiration,
		MessageId:       m.MessageID,
		Timestamp:       m.Timestamp,
		Type:            m.Type,
		UserId:          m.UserID,
		AppId:           m.AppID,
		Body:            m.Body,
	}
}

// Info возвращает свойства сообщения в виде map.
// Удобно для логирования и отладки.
func (m *Message) Info() map[string]any {
	return map[string]any{
		"headers":          m.Headers,
		"content_type":     m.ContentType,
		"content_encoding": m.ContentEncoding,
		"delivery_mode":    uint8(m.DeliveryMode),
		"priority":         m.Priority,
		"correlation_id":   m.CorrelationID,
		"reply_to":         m.ReplyTo,
		"expiration":       m.Expiration,
		"message_id":       m.MessageID,
		"timestamp":        m.Timestamp,
		"type":             m.Type,
		"user_id":          m.UserID,
		"app_id":           m.AppID,
		"body_size":        len(m.Body),
	}
}

// IncomingMessage — доставленное сообщение с методами подтверждения.
//
// Каждое сообщение подтверждается не более одного раза: повторный
// Ack/Nack/Reject возвращает ErrMessageAlreadyResolved. Сообщения,
// полученные в no-ack режиме, считаются подтверждёнными при доставке.
type IncomingMessage struct {
	Message

	// ConsumerTag — тег consumer, доставившего сообщение.
	ConsumerTag string

	// DeliveryTag — порядковый номер доставки в рамках канала.
	DeliveryTag uint64

	// Redelivered — сообщение доставляется повторно.
	Redelivered bool

	// Exchange и RoutingKey — откуда и по какому ключу пришло сообщение.
	Exchange   string
	RoutingKey string

	// MessageCount — остаток сообщений в очереди (только для basic.get).
	MessageCount uint32

	delivery amqp.Delivery
	resolved atomic.Bool
}

// newIncomingMessage создаёт IncomingMessage из amqp091.Delivery.
func newIncomingMessage(d amqp.Delivery, noAck bool) *IncomingMessage {
	var expiration time.Duration
	if d.Expiration != "" {
		if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil {
			expiration = time.Duration(ms) * time.Millisecond
		}
	}

	msg := &IncomingMessage{
		Message: Message{
			Body:            d.Body,
			Headers:         d.Headers,
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			DeliveryMode:    DeliveryMode(d.DeliveryMode),
			Priority:        d.Priority,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      expiration,
			MessageID:       d.MessageId,
			Timestamp:       d.Timestamp,
			Type:            d.Type,
			UserID:          d.UserId,
			AppID:           d.AppId,
		},
		ConsumerTag:  d.ConsumerTag,
		DeliveryTag:  d.DeliveryTag,
		Redelivered:  d.Redelivered,
		Exchange:     d.Exchange,
		RoutingKey:   d.RoutingKey,
		MessageCount: d.MessageCount,
		delivery:     d,
	}

	if noAck {
		msg.resolved.Store(true)
	}

	return msg
}

// resolve помечает сообщение подтверждённым.
// Возвращает false, если сообщение уже было подтверждено.
func (m *IncomingMessage) resolve() bool {
	return m.resolved.CompareAndSwap(false, true)
}

// Resolved сообщает, было ли сообщение уже подтверждено.
func (m *IncomingMessage) Resolved() bool {
	return m.resolved.Load()
}

// Ack подтверждает успешную обработку сообщения.
func (m *IncomingMessage) Ack() error {
	if !m.resolve() {
		return ErrMessageAlreadyResolved
	}
	return m.delivery.Ack(false)
}

// Nack отклоняет сообщение.
// requeue=true — вернуть в очередь, false — отправить в DLQ (если настроена).
func (m *IncomingMessage) Nack(requeue bool) error {
	if !m.resolve() {
		return ErrMessageAlreadyResolved
	}
	return m.delivery.Nack(false, requeue)
}

// Reject отклоняет сообщение через basic.reject.
func (m *IncomingMessage) Reject(requeue bool) error {
	if !m.resolve() {
		return ErrMessageAlreadyResolved
	}
	return m.delivery.Reject(requeue)
}

// Process выполняет fn и подтверждает сообщение по результату:
// nil — ack, ошибка — reject без requeue. Если fn уже подтвердила
// сообщение сама, повторного подтверждения не происходит.
func (m *IncomingMessage) Process(fn func() error) error {
	if err := fn(); err != nil {
		if m.resolve() {
			_ = m.delivery.Reject(false)
		}
		return err
	}

	if m.resolve() {
		return m.delivery.Ack(false)
	}
	return nil
}

// Return — недоставленное mandatory-сообщение, возвращённое брокером.
type Return struct {
	Message

	// ReplyCode и ReplyText — причина возврата (например, 312 NO_ROUTE).
	ReplyCode uint16
	ReplyText string

	// Exchange и RoutingKey — куда сообщение не удалось доставить.
	Exchange   string
	RoutingKey string
}

// newReturn создаёт Return из amqp091.Return.
func newReturn(r amqp.Return) Return {
	var expiration time.Duration
	if r.Expiration != "" {
		if ms, err := strconv.ParseInt(r.Expiration, 10, 64); err == nil {
			expiration = time.Duration(ms) * time.Millisecond
		}
	}

	return Return{
		Message: Message{
			Body:            r.Body,
			Headers:         r.Headers,
			ContentType:     r.ContentType,
			ContentEncoding: r.ContentEncoding,
			DeliveryMode:    DeliveryMode(r.DeliveryMode),
			Priority:        r.Priority,
			CorrelationID:   r.CorrelationId,
			ReplyTo:         r.ReplyTo,
			Expiration:      expiration,
			MessageID:       r.MessageId,
			Timestamp:       r.Timestamp,
			Type:            r.Type,
			UserID:          r.UserId,
			AppID:           r.AppId,
		},
		ReplyCode:  r.ReplyCode,
		ReplyText:  r.ReplyText,
		Exchange:   r.Exchange,
		RoutingKey: r.RoutingKey,
	}
}
