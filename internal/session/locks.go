package session

import (
	"errors"
	"fmt"
	"sync"
)

var ErrTooManySessions = errors.New("too many active sessions")

// Locks is a map of mutexes keyed by session token. Entries are created on
// demand and removed once nothing holds or waits on them.
type Locks struct {
	edit         sync.Mutex
	queueLengths map[string]int
	mutexes      map[string]*sync.Mutex
	maxSize      int
}

func NewLocks(maxSize int) *Locks {
	return &Locks{
		queueLengths: make(map[string]int),
		mutexes:      make(map[string]*sync.Mutex),
		maxSize:      maxSize,
	}
}

func (l *Locks) Lock(key string) error {
	l.edit.Lock()

	mu := l.mutexes[key]
	if mu == nil {
		if len(l.mutexes) >= l.maxSize {
			l.edit.Unlock()
			return ErrTooManySessions
		}

		mu = &sync.Mutex{}
		l.mutexes[key] = mu
		l.queueLengths[key] = 0
	}

	l.queueLengths[key]++
	l.edit.Unlock()

	mu.Lock()

	return nil
}

func (l *Locks) Unlock(key string) error {
	l.edit.Lock()
	defer l.edit.Unlock()

	mu := l.mutexes[key]
	if mu == nil {
		return fmt.Errorf("session %s is not locked", key)
	}

	mu.Unlock()
	l.queueLengths[key]--

	if l.queueLengths[key] == 0 {
		delete(l.mutexes, key)
		delete(l.queueLengths, key)
	}

	return nil
}

func (l *Locks) Len() int {
	l.edit.Lock()
	defer l.edit.Unlock()
	return len(l.mutexes)
}
