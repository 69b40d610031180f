package workflow

import (
	"context"
	"sync"
)

// SubmissionLocker is implemented by stores shared between processes. The lock is
// held from reading a submission's progress rows until the change is written.
type SubmissionLocker interface {
	LockSubmission(ctx context.Context, submissionID int64) (unlock func(), err error)
}

// submissionLocks serializes engine operations per submission within one process.
type submissionLocks struct {
	mu    sync.Mutex
	slots map[int64]*lockSlot
}

type lockSlot struct {
	sem  chan struct{}
	refs int
}

func (l *submissionLocks) acquire(ctx context.Context, submissionID int64) (func(), error) {
	l.mu.Lock()
	if l.slots == nil {
		l.slots = make(map[int64]*lockSlot)
	}
	s, ok := l.slots[submissionID]
	if !ok {
		s = &lockSlot{sem: make(chan struct{}, 1)}
		l.slots[submissionID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
		return func() {
			<-s.sem
			l.release(submissionID, s)
		}, nil
	case <-ctx.Done():
		l.release(submissionID, s)
		return nil, ctx.Err()
	}
}

func (l *submissionLocks) release(submissionID int64, s *lockSlot) {
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, submissionID)
	}
	l.mu.Unlock()
}

// lockSubmission takes the in-process lock and, when the store supports it, the
// store's cross-process lock.
func (e *Engine) lockSubmission(ctx context.Context, submissionID int64) (func(), error) {
	release, err := e.locks.acquire(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	locker, ok := e.store.(SubmissionLocker)
	if !ok {
		return release, nil
	}
	unlock, err := locker.LockSubmission(ctx, submissionID)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		unlock()
		release()
	}, nil
}
