package app

import "sync"

// UserLimiter сериализует выдачу наград одному пользователю внутри процесса:
// история наград пишется целиком, и две параллельные выдачи потеряли бы одну.
type UserLimiter struct {
	mu    sync.Mutex
	byUID map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func NewUserLimiter() *UserLimiter {
	return &UserLimiter{byUID: make(map[string]*userLock)}
}

func (l *UserLimiter) lock(uid string) func() {
	l.mu.Lock()
	m, ok := l.byUID[uid]
	if !ok {
		m = &userLock{}
		l.byUID[uid] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.byUID, uid)
		}
		l.mu.Unlock()
	}
}

func (l *UserLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byUID)
}
