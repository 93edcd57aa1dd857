package inmem

import (
	"context"
	"errors"
	"sync"

	log "github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/physical"
)

// InmemHAStorage wraps an in-memory storage with an in-process lock table,
// so HA coordination can be exercised without a real clustered backend.
type InmemHAStorage struct {
	physical.Storage

	mu     sync.Mutex
	cond   *sync.Cond
	locks  map[string]string
	logger log.Logger

	invalidators []physical.InvalidateFunc
}

// NewInmemHA constructs an in-memory HA storage for tests and dev mode.
func NewInmemHA(conf map[string]string, logger log.Logger) (physical.Storage, error) {
	base, err := NewInmem(conf, logger)
	if err != nil {
		return nil, err
	}

	s := &InmemHAStorage{
		Storage: base,
		locks:   make(map[string]string),
		logger:  logger,
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

func (i *InmemHAStorage) HAEnabled() bool {
	return true
}

// LockWith returns a lock handle for the given key. The value is what
// Value reports to observers while the lock is held.
func (i *InmemHAStorage) LockWith(key, value string) (physical.Lock, error) {
	return &InmemLock{in: i, key: key, value: value}, nil
}

// HookInvalidate registers a hook fired with the key of every mutation.
func (i *InmemHAStorage) HookInvalidate(hook physical.InvalidateFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.invalidators = append(i.invalidators, hook)
}

func (i *InmemHAStorage) notifyInvalidate(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, hook := range i.invalidators {
		go hook(key)
	}
}

func (i *InmemHAStorage) Put(ctx context.Context, entry *physical.Entry) error {
	if err := i.Storage.Put(ctx, entry); err != nil {
		return err
	}
	i.notifyInvalidate(entry.Key)
	return nil
}

func (i *InmemHAStorage) Delete(ctx context.Context, key string) error {
	if err := i.Storage.Delete(ctx, key); err != nil {
		return err
	}
	i.notifyInvalidate(key)
	return nil
}

// InmemLock coordinates through the parent's lock table. Holders block in
// Lock until the key frees up or the stop channel fires.
type InmemLock struct {
	in    *InmemHAStorage
	key   string
	value string

	mu       sync.Mutex
	held     bool
	leaderCh chan struct{}
}

func (l *InmemLock) Lock(stopCh <-chan struct{}) (<-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, errors.New("lock already held")
	}

	acquired := make(chan struct{})
	abandon := make(chan bool, 1)
	go func() {
		l.in.mu.Lock()
		for {
			if _, taken := l.in.locks[l.key]; !taken {
				break
			}
			l.in.cond.Wait()
		}
		l.in.locks[l.key] = l.value
		l.in.mu.Unlock()

		close(acquired)

		// If the caller gave up while we were waiting, hand the lock
		// straight back.
		if <-abandon {
			l.in.mu.Lock()
			delete(l.in.locks, l.key)
			l.in.mu.Unlock()
			l.in.cond.Broadcast()
		}
	}()

	select {
	case <-acquired:
		abandon <- false
	case <-stopCh:
		abandon <- true
		return nil, nil
	}

	l.held = true
	l.leaderCh = make(chan struct{})
	return l.leaderCh, nil
}

func (l *InmemLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}

	close(l.leaderCh)
	l.leaderCh = nil
	l.held = false

	l.in.mu.Lock()
	delete(l.in.locks, l.key)
	l.in.mu.Unlock()
	l.in.cond.Broadcast()
	return nil
}

func (l *InmemLock) Value() (bool, string, error) {
	l.in.mu.Lock()
	defer l.in.mu.Unlock()
	val, held := l.in.locks[l.key]
	return held, val, nil
}
