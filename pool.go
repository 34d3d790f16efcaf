package courier

import (
	"context"
	"sync"
)

// Pool — пул переиспользуемых объектов (соединений, каналов).
//
// Объекты создаются лениво, не более max одновременно. Acquire блокируется,
// когда пул исчерпан, до Release или отмены контекста.
type Pool[T any] struct {
	factory func(context.Context) (T, error)
	closer  func(T) error
	max     int

	mu      sync.Mutex
	created int
	closed  bool

	idle chan T

	// done закрывается в Close и будит заблокированные Acquire
	done chan struct{}
}

// NewPool создаёт пул.
// factory создаёт объект, closer закрывает; max — максимум живых объектов.
func NewPool[T any](max int, factory func(context.Context) (T, error), closer func(T) error) *Pool[T] {
	if max <= 0 {
		max = 1
	}
	return &Pool[T]{
		factory: factory,
		closer:  closer,
		max:     max,
		idle:    make(chan T, max),
		done:    make(chan struct{}),
	}
}

// Acquire возвращает свободный объект или создаёт новый.
// Блокируется при исчерпании пула до Release или отмены ctx.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrPoolClosed
	}

	select {
	case item := <-p.idle:
		p.mu.Unlock()
		return item, nil
	default:
	}

	if p.created < p.max {
		p.created++
		p.mu.Unlock()

		item, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return zero, err
		}
		return item, nil
	}
	p.mu.Unlock()

	select {
	case item := <-p.idle:
		return item, nil
	case <-p.done:
		return zero, ErrPoolClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Release возвращает объект в пул.
// Если пул уже закрыт, объект закрывается на месте.
func (p *Pool[T]) Release(item T) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.closeItem(item)
	}
	p.mu.Unlock()

	select {
	case p.idle <- item:
		return nil
	default:
		// пул переполнен: объект лишний, закрываем
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return p.closeItem(item)
	}
}

// Discard исключает объект из пула без возврата (например, сломанный канал).
func (p *Pool[T]) Discard(item T) error {
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
	return p.closeItem(item)
}

// Close закрывает пул и все свободные объекты.
// Занятые объекты закрываются при Release. Повторный вызов безопасен.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	var firstErr error
	for {
		select {
		case item := <-p.idle:
			if err := p.closeItem(item); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
}

func (p *Pool[T]) closeItem(item T) error {
	if p.closer == nil {
		return nil
	}
	return p.closer(item)
}
