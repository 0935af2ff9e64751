// Package lock — блокировки по ключу для сериализации планирования.
//
// LocalLocker работает в пределах процесса, RedisLocker — между процессами
// (SET NX PX + проверка токена при освобождении).
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired — блокировку не удалось взять до отмены контекста.
var ErrNotAcquired = errors.New("lock not acquired")

// Unlock освобождает блокировку.
type Unlock func()

// Locker берёт эксклюзивную блокировку по ключу.
type Locker interface {
	// Lock блокирует до получения блокировки или отмены ctx.
	Lock(ctx context.Context, key string) (Unlock, error)
}

// LocalLocker — блокировки по ключу внутри процесса.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker создаёт LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Lock берёт блокировку key.
func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl, false)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, kl, true) })
	}, nil
}

func (l *LocalLocker) release(key string, kl *keyLock, held bool) {
	if held {
		<-kl.ch
	}
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
