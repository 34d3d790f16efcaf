package courier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_LazyCreation(t *testing.T) {
	var created atomic.Int32
	pool := NewPool(3, func(ctx context.Context) (int, error) {
		return int(created.Add(1)), nil
	}, nil)

	if created.Load() != 0 {
		t.Fatal("pool must not create items upfront")
	}

	a, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Load() != 1 {
		t.Errorf("expected 1 created item, got %d", created.Load())
	}

	// Возвращённый объект переиспользуется
	if err := pool.Release(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != a {
		t.Errorf("expected reused item %d, got %d", a, b)
	}
	if created.Load() != 1 {
		t.Errorf("expected no new items, got %d", created.Load())
	}
}

func TestPool_FactoryError(t *testing.T) {
	wantErr := errors.New("dial failed")
	pool := NewPool(1, func(ctx context.Context) (int, error) {
		return 0, wantErr
	}, nil)

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected factory error, got %v", err)
	}

	// Неудачное создание не занимает слот: повторный Acquire не блокируется
	done := make(chan struct{})
	go func() {
		pool.Acquire(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquire blocked after factory error")
	}
}

func TestPool_BlocksWhenExhausted(t *testing.T) {
	pool := NewPool(1, func(ctx context.Context) (int, error) {
		return 42, nil
	}, nil)

	item, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan int)
	go func() {
		v, err := pool.Acquire(context.Background())
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		acquired <- v
	}()

	select {
	case <-acquired:
		t.Fatal("acquire must block while the pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	if err := pool.Release(item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case v := <-acquired:
		if v != 42 {
			t.Errorf("expected item 42, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake up after release")
	}
}

func TestPool_AcquireContextCanceled(t *testing.T) {
	pool := NewPool(1, func(ctx context.Context) (int, error) {
		return 1, nil
	}, nil)

	if _, err := pool.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pool.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPool_DiscardFreesSlot(t *testing.T) {
	var created atomic.Int32
	pool := NewPool(1, func(ctx context.Context) (int, error) {
		return int(created.Add(1)), nil
	}, nil)

	item, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pool.Discard(item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// После Discard слот свободен: создаётся новый объект
	next, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != 2 {
		t.Errorf("expected a fresh item, got %d", next)
	}
}

func TestPool_CloseClosesIdle(t *testing.T) {
	var closed atomic.Int32
	pool := NewPool(2, func(ctx context.Context) (int, error) {
		return 1, nil
	}, func(int) error {
		closed.Add(1)
		return nil
	})

	item, _ := pool.Acquire(context.Background())
	pool.Release(item)

	if err := pool.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed.Load() != 1 {
		t.Errorf("expected 1 closed item, got %d", closed.Load())
	}

	// Повторный Close безопасен
	if err := pool.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_CloseWakesBlockedAcquire(t *testing.T) {
	pool := NewPool(1, func(ctx context.Context) (int, error) {
		return 1, nil
	}, nil)

	if _, err := pool.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Acquire блокируется на исчерпанном пуле
	acquired := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("acquire must block while the pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case err := <-acquired:
		if !errors.Is(err, ErrPoolClosed) {
			t.Fatalf("expected ErrPoolClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked acquire must fail fast after close")
	}
}

func TestPool_ReleaseAfterClose(t *testing.T) {
	var closed atomic.Int32
	pool := NewPool(1, func(ctx context.Context) (int, error) {
		return 7, nil
	}, func(int) error {
		closed.Add(1)
		return nil
	})

	item, _ := pool.Acquire(context.Background())
	pool.Close()

	// Занятый объект закрывается при возврате в закрытый пул
	if err := pool.Release(item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed.Load() != 1 {
		t.Errorf("expected item closed on release, got %d", closed.Load())
	}
}
