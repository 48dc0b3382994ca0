package reaper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	locked     bool
	unlockErr  error
	released   bool
	terminated bool
}

func (s *fakeSession) Ping(context.Context) error { return nil }

func (s *fakeSession) TryLock(context.Context, int64) (bool, error) {
	s.locked = true
	return true, nil
}

func (s *fakeSession) Unlock(ctx context.Context, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.unlockErr != nil {
		return s.unlockErr
	}
	s.locked = false
	return nil
}

func (s *fakeSession) Release() { s.released = true }

func (s *fakeSession) Terminate(context.Context) error {
	s.terminated = true
	s.locked = false
	return nil
}

func newTestLock(session *fakeSession) *AdvisoryLock {
	return &AdvisoryLock{
		acquire: func(context.Context) (lockSession, error) { return session, nil },
		key:     LockKey,
	}
}

func TestAdvisoryLock_Release(t *testing.T) {
	session := &fakeSession{}
	lock := newTestLock(session)
	ctx := context.Background()

	ok, err := lock.TryLead(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Release(ctx))
	assert.False(t, session.locked)
	assert.False(t, session.terminated)
	assert.True(t, session.released)

	// Повторный Release — no-op.
	require.NoError(t, lock.Release(ctx))
}

func TestAdvisoryLock_FailedUnlockClosesSession(t *testing.T) {
	session := &fakeSession{unlockErr: errors.New("conn busy")}
	lock := newTestLock(session)
	ctx := context.Background()

	_, err := lock.TryLead(ctx)
	require.NoError(t, err)

	err = lock.Release(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "conn busy")
	assert.True(t, session.terminated, "session holding the lock must not go back to the pool")
	assert.False(t, session.locked)
	assert.True(t, session.released)
}

func TestAdvisoryLock_ReleaseAfterCancel(t *testing.T) {
	session := &fakeSession{}
	lock := newTestLock(session)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := lock.TryLead(ctx)
	require.NoError(t, err)
	cancel()

	require.NoError(t, lock.Release(ctx))
	assert.False(t, session.locked)
	assert.False(t, session.terminated)
}
