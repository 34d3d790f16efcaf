package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	courier "github.com/shaiso/Courier"
)

func newTestRPC() *RPC {
	return &RPC{
		logger:  slog.Default(),
		pending: make(map[string]chan callResult),
		routes:  make(map[string]route),
	}
}

func TestEncodeError_Envelope(t *testing.T) {
	body := encodeError(errors.New("division by zero"))

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if envelope.Error.Message != "division by zero" {
		t.Errorf("unexpected message: %q", envelope.Error.Message)
	}
	if envelope.Error.Type == "" {
		t.Error("error type must be filled")
	}
}

func TestRemoteError_RoundTrip(t *testing.T) {
	body := encodeError(errors.New("boom"))

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	remote := &envelope.Error
	if remote.Error() == "" {
		t.Error("RemoteError must render a message")
	}

	var asRemote *RemoteError
	if !errors.As(error(remote), &asRemote) {
		t.Error("RemoteError must satisfy errors.As")
	}
}

func TestTakePending(t *testing.T) {
	r := newTestRPC()
	ch := make(chan callResult, 1)
	r.pending["corr-1"] = ch

	got, ok := r.takePending("corr-1")
	if !ok || got != ch {
		t.Fatal("expected the registered channel")
	}

	// Повторное извлечение — канал уже забран
	if _, ok := r.takePending("corr-1"); ok {
		t.Error("pending entry must be removed after take")
	}
	if _, ok := r.takePending("unknown"); ok {
		t.Error("unknown correlation id must not resolve")
	}
}

func TestOnResult_Result(t *testing.T) {
	r := newTestRPC()
	ch := make(chan callResult, 1)
	r.pending["corr-1"] = ch

	msg := &courier.IncomingMessage{Message: courier.Message{
		Body:          []byte(`{"answer":42}`),
		CorrelationID: "corr-1",
		Type:          "result",
	}}

	if err := r.onResult(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := <-ch
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if string(res.body) != `{"answer":42}` {
		t.Errorf("unexpected body: %s", res.body)
	}
}

func TestOnResult_Error(t *testing.T) {
	r := newTestRPC()
	ch := make(chan callResult, 1)
	r.pending["corr-1"] = ch

	msg := &courier.IncomingMessage{Message: courier.Message{
		Body:          encodeError(errors.New("remote boom")),
		CorrelationID: "corr-1",
		Type:          "error",
	}}

	if err := r.onResult(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := <-ch
	var remote *RemoteError
	if !errors.As(res.err, &remote) {
		t.Fatalf("expected RemoteError, got %v", res.err)
	}
	if remote.Message != "remote boom" {
		t.Errorf("unexpected message: %q", remote.Message)
	}
}

func TestOnResult_ExpiredCall(t *testing.T) {
	r := newTestRPC()
	ch := make(chan callResult, 1)
	r.pending["corr-1"] = ch

	// Собственный вызов вернулся через DLX: expiration истёк
	msg := &courier.IncomingMessage{Message: courier.Message{
		CorrelationID: "corr-1",
		Type:          "call",
	}}

	if err := r.onResult(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := <-ch
	if !errors.Is(res.err, ErrCallExpired) {
		t.Errorf("expected ErrCallExpired, got %v", res.err)
	}
}

func TestOnResult_UnknownType(t *testing.T) {
	r := newTestRPC()
	ch := make(chan callResult, 1)
	r.pending["corr-1"] = ch

	msg := &courier.IncomingMessage{Message: courier.Message{
		CorrelationID: "corr-1",
		Type:          "pickle",
	}}

	if err := r.onResult(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := <-ch
	if !errors.Is(res.err, ErrUnknownResultType) {
		t.Errorf("expected ErrUnknownResultType, got %v", res.err)
	}
}

func TestOnResult_UnknownCorrelation(t *testing.T) {
	r := newTestRPC()

	msg := &courier.IncomingMessage{Message: courier.Message{
		CorrelationID: "ghost",
		Type:          "result",
	}}

	// Неизвестный correlation id не должен падать
	if err := r.onResult(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOnReturned(t *testing.T) {
	r := newTestRPC()
	ch := make(chan callResult, 1)
	r.pending["corr-1"] = ch

	r.onReturned(courier.Return{
		Message:    courier.Message{CorrelationID: "corr-1"},
		ReplyCode:  312,
		ReplyText:  "NO_ROUTE",
		RoutingKey: "no.such.method",
	})

	res := <-ch
	if !errors.Is(res.err, ErrCallReturned) {
		t.Errorf("expected ErrCallReturned, got %v", res.err)
	}

	// Контекст возврата доступен через DeliveryError
	var delivery *courier.DeliveryError
	if !errors.As(res.err, &delivery) {
		t.Fatalf("expected DeliveryError, got %v", res.err)
	}
	if delivery.ReplyCode != 312 || delivery.RoutingKey != "no.such.method" {
		t.Errorf("unexpected return context: %d %s", delivery.ReplyCode, delivery.RoutingKey)
	}
}

func TestReserveMethod(t *testing.T) {
	r := newTestRPC()

	if err := r.reserveMethod("multiply"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Пока регистрация не завершена, второй вызов уже видит резерв
	if err := r.reserveMethod("multiply"); !errors.Is(err, ErrMethodRegistered) {
		t.Fatalf("expected ErrMethodRegistered, got %v", err)
	}

	// Неудавшаяся регистрация освобождает имя
	r.releaseMethod("multiply")
	if err := r.reserveMethod("multiply"); err != nil {
		t.Fatalf("unexpected error after release: %v", err)
	}
}

func TestReserveMethod_Closed(t *testing.T) {
	r := newTestRPC()
	r.closed = true

	if err := r.reserveMethod("multiply"); !errors.Is(err, ErrRPCClosed) {
		t.Fatalf("expected ErrRPCClosed, got %v", err)
	}
}

func TestOnChannelClose_FailsPending(t *testing.T) {
	r := newTestRPC()
	first := make(chan callResult, 1)
	second := make(chan callResult, 1)
	r.pending["a"] = first
	r.pending["b"] = second

	r.onChannelClose(nil)

	for _, ch := range []chan callResult{first, second} {
		res := <-ch
		if !errors.Is(res.err, courier.ErrChannelClosed) {
			t.Errorf("expected ErrChannelClosed, got %v", res.err)
		}
	}
	if len(r.pending) != 0 {
		t.Errorf("pending map must be empty, got %d entries", len(r.pending))
	}
}
