package courier

import (
	"errors"
	"fmt"
)

// Ошибки соединения и канала.
var (
	// ErrConnectionClosed — операция над закрытым соединением.
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrChannelClosed — операция над закрытым или ещё не восстановленным каналом.
	ErrChannelClosed = errors.New("channel is closed")
)

// Ошибки публикации и доставки.
var (
	// ErrPublishToInternal — публикация в internal exchange запрещена брокером,
	// отсекаем на стороне клиента, чтобы не ронять канал.
	ErrPublishToInternal = errors.New("cannot publish to internal exchange")

	// ErrNackReceived — брокер ответил basic.nack на публикацию в confirm-режиме.
	ErrNackReceived = errors.New("publish was nacked by broker")

	// ErrQueueEmpty — basic.get на пустой очереди.
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrMessageAlreadyResolved — повторный ack/nack/reject одного сообщения.
	ErrMessageAlreadyResolved = errors.New("message is already acked or rejected")

	// ErrIteratorClosed — Next после закрытия итератора.
	ErrIteratorClosed = errors.New("queue iterator is closed")
)

// Ошибки пула.
var (
	// ErrPoolClosed — Acquire/Release после закрытия пула.
	ErrPoolClosed = errors.New("pool is closed")
)

// PublishError — ошибка публикации с контекстом маршрутизации.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

// Error реализует интерфейс error.
func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

// Unwrap возвращает базовую ошибку.
func (e *PublishError) Unwrap() error {
	return e.Err
}

// DeliveryError — mandatory-сообщение вернулось недоставленным (basic.return).
type DeliveryError struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Err        error
}

// NewDeliveryError создаёт DeliveryError из возвращённого сообщения.
func NewDeliveryError(ret Return, err error) *DeliveryError {
	return &DeliveryError{
		ReplyCode:  ret.ReplyCode,
		ReplyText:  ret.ReplyText,
		Exchange:   ret.Exchange,
		RoutingKey: ret.RoutingKey,
		Err:        err,
	}
}

// Error реализует интерфейс error.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf(
		"message returned from %s/%s: %d %s: %v",
		e.Exchange, e.RoutingKey, e.ReplyCode, e.ReplyText, e.Err,
	)
}

// Unwrap возвращает базовую ошибку.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}
