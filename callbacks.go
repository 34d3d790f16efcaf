package courier

import "sync"

// callbackList — потокобезопасный упорядоченный список коллбэков.
// Коллбэки вызываются в порядке добавления, без удержания мьютекса.
type callbackList[T any] struct {
	mu     sync.Mutex
	nextID int
	ids    []int
	fns    []func(T)
}

// Add добавляет коллбэк в конец списка.
// Возвращает функцию снятия коллбэка; повторный вызов снятия безопасен.
func (l *callbackList[T]) Add(fn func(T)) (remove func()) {
	if fn == nil {
		return func() {}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.ids = append(l.ids, id)
	l.fns = append(l.fns, fn)

	return func() { l.remove(id) }
}

// remove снимает коллбэк по внутреннему идентификатору.
func (l *callbackList[T]) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, got := range l.ids {
		if got == id {
			l.ids = append(l.ids[:i], l.ids[i+1:]...)
			l.fns = append(l.fns[:i], l.fns[i+1:]...)
			return
		}
	}
}

// Fire вызывает все коллбэки с аргументом v.
func (l *callbackList[T]) Fire(v T) {
	l.mu.Lock()
	fns := make([]func(T), len(l.fns))
	copy(fns, l.fns)
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
