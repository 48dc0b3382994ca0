package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LockKey — ключ advisory lock лидера reaper.
const LockKey int64 = 424242

// Leader решает, какой экземпляр reaper выполняет обход.
type Leader interface {
	// TryLead захватывает или подтверждает лидерство.
	TryLead(ctx context.Context) (bool, error)
	// Release отдаёт лидерство.
	Release(ctx context.Context) error
}

// Solo — единственный экземпляр, всегда лидер (memory и sqlite).
type Solo struct{}

func (Solo) TryLead(context.Context) (bool, error) { return true, nil }
func (Solo) Release(context.Context) error          { return nil }

// AdvisoryLock — лидерство через pg_try_advisory_lock.
//
// Advisory lock принадлежит сессии, поэтому соединение удерживается
// из пула всё время лидерства. Потеря соединения означает потерю лидерства.
type AdvisoryLock struct {
	acquire func(ctx context.Context) (lockSession, error)
	key     int64

	mu   sync.Mutex
	conn lockSession
}

// lockSession — соединение, на котором держится advisory lock.
type lockSession interface {
	Ping(ctx context.Context) error
	TryLock(ctx context.Context, key int64) (bool, error)
	Unlock(ctx context.Context, key int64) error
	// Release возвращает соединение в пул.
	Release()
	// Terminate закрывает сессию; блокировки сессии снимает сервер.
	Terminate(ctx context.Context) error
}

const releaseTimeout = 5 * time.Second

// NewAdvisoryLock создаёт AdvisoryLock.
func NewAdvisoryLock(pool *pgxpool.Pool, key int64) *AdvisoryLock {
	return &AdvisoryLock{
		acquire: func(ctx context.Context) (lockSession, error) {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return pooledSession{conn}, nil
		},
		key: key,
	}
}

func (l *AdvisoryLock) TryLead(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// Сессия умерла вместе с блокировкой
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}

	ok, err := conn.TryLock(ctx, l.key)
	if err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release снимает блокировку. Если pg_advisory_unlock не прошёл, сессия
// закрывается: соединение с живой блокировкой не должно вернуться в пул.
// Отмена ctx не мешает снять блокировку.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	defer conn.Release()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := conn.Unlock(ctx, l.key); err != nil {
		if closeErr := conn.Terminate(ctx); closeErr != nil {
			return multierror.Append(fmt.Errorf("advisory unlock: %w", err), fmt.Errorf("close session: %w", closeErr))
		}
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

type pooledSession struct {
	conn *pgxpool.Conn
}

func (s pooledSession) Ping(ctx context.Context) error { return s.conn.Ping(ctx) }

func (s pooledSession) TryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := s.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
	return ok, err
}

func (s pooledSession) Unlock(ctx context.Context, key int64) error {
	_, err := s.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key)
	return err
}

func (s pooledSession) Release() { s.conn.Release() }

// Terminate закрывает физическое соединение; пул выбросит его при Release.
func (s pooledSession) Terminate(ctx context.Context) error {
	return s.conn.Conn().Close(ctx)
}
