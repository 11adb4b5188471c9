package updater

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
)

// ErrLockLost is returned by Renew and Release when the caller no longer holds
// maintenance mode.
var ErrLockLost = errors.New("maintenance mode is not held by this run")

// LockStatus describes the maintenance flag.
type LockStatus struct {
	Locked   bool      `json:"locked"`
	Holder   string    `json:"holder,omitempty"`
	Acquired time.Time `json:"acquired,omitempty"`
	Expires  time.Time `json:"expires,omitempty"` // zero when the lease never expires
}

// Run is the id of the run holding the lock, without its step sequence.
func (s LockStatus) Run() string {
	run, _, _ := strings.Cut(s.Holder, holderSep)
	return run
}

const holderSep = "#"

// holderOf names the lock holder after seq normal steps of a run. Every normal
// step moves the lock to the next sequence, so finish tokens issued before
// that step no longer match the holder.
func holderOf(runID string, seq int) string {
	if seq == 0 {
		return runID
	}
	return runID + holderSep + strconv.Itoa(seq)
}

func seqOf(holder string) int {
	_, seq, ok := strings.Cut(holder, holderSep)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(seq)
	if err != nil {
		return 0
	}
	return n
}

// MaintenanceLock is the process or deployment wide maintenance flag.
// TryAcquire is an atomic check-and-set; an expired lease counts as free.
// Renew and Release compare the holder in the same operation that changes
// the lock. ForceRelease is for operators only.
type MaintenanceLock interface {
	TryAcquire(ctx context.Context, holder string) (bool, error)
	ForceAcquire(ctx context.Context, holder string) error
	// Renew extends the lease of holder and hands the lock to next.
	Renew(ctx context.Context, holder, next string) error
	Release(ctx context.Context, holder string) error
	ForceRelease(ctx context.Context) error
	Status(ctx context.Context) (LockStatus, error)
}

// MemoryLock keeps maintenance mode in process memory.
type MemoryLock struct {
	mu     sync.Mutex
	status LockStatus
	lease  time.Duration
	clock  core.Clock
}

func NewMemoryLock(lease time.Duration, clock core.Clock) *MemoryLock {
	if clock == nil {
		clock = core.NewRealClock()
	}
	return &MemoryLock{lease: lease, clock: clock}
}

func (l *MemoryLock) TryAcquire(_ context.Context, holder string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.heldLocked() {
		return false, nil
	}
	l.take(holder)
	return true, nil
}

func (l *MemoryLock) ForceAcquire(_ context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.take(holder)
	return nil
}

func (l *MemoryLock) Renew(_ context.Context, holder, next string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.status.Locked || l.status.Holder != holder {
		return ErrLockLost
	}
	l.status.Holder = next
	if l.lease > 0 {
		l.status.Expires = l.clock.Now().Add(l.lease)
	}
	return nil
}

func (l *MemoryLock) Release(_ context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.status.Locked || l.status.Holder != holder {
		return ErrLockLost
	}
	l.status = LockStatus{}
	return nil
}

func (l *MemoryLock) ForceRelease(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = LockStatus{}
	return nil
}

func (l *MemoryLock) Status(_ context.Context) (LockStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.heldLocked() {
		return LockStatus{}, nil
	}
	return l.status, nil
}

// heldLocked must be called with mu held.
func (l *MemoryLock) heldLocked() bool {
	if !l.status.Locked {
		return false
	}
	return l.status.Expires.IsZero() || l.clock.Now().Before(l.status.Expires)
}

func (l *MemoryLock) take(holder string) {
	now := l.clock.Now()
	l.status = LockStatus{Locked: true, Holder: holder, Acquired: now}
	if l.lease > 0 {
		l.status.Expires = now.Add(l.lease)
	}
}
