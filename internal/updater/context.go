package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

// StepContext is what a handler sees of the current request.
type StepContext struct {
	ctx      context.Context
	Workflow string
	Step     Step
	RunID    string
	State    State
	User     *domain.User
	Logger   *slog.Logger

	params json.RawMessage
	kind   StepKind
	seq    int
	lock   MaintenanceLock
	clock  core.Clock
}

func (sc *StepContext) Context() context.Context { return sc.ctx }

func (sc *StepContext) Now() time.Time { return sc.clock.Now() }

// HasParams reports whether the request carried a params object.
func (sc *StepContext) HasParams() bool {
	trimmed := bytes.TrimSpace(sc.params)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// BindParams decodes the request params into dst, rejecting unknown fields.
func (sc *StepContext) BindParams(dst any) error {
	if !sc.HasParams() {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(sc.params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return Reject(codeFor(ErrInvalidParams), fmt.Errorf("%w: %v", ErrInvalidParams, err))
	}
	return nil
}

// AcquireMaintenance takes maintenance mode for this run if nobody holds it.
func (sc *StepContext) AcquireMaintenance() (bool, error) {
	if sc.kind != KindEntry {
		return false, ErrMaintenanceNotOwned
	}
	ok, err := sc.lock.TryAcquire(sc.ctx, holderOf(sc.RunID, 0))
	if err != nil {
		return false, fmt.Errorf("acquire maintenance mode: %w", err)
	}
	if ok {
		sc.seq = 0
		sc.Logger.InfoContext(sc.ctx, "Maintenance mode enabled")
	}
	return ok, nil
}

// ForceMaintenance takes maintenance mode over from whoever holds it.
func (sc *StepContext) ForceMaintenance() error {
	if sc.kind != KindEntry {
		return ErrMaintenanceNotOwned
	}
	status, _ := sc.lock.Status(sc.ctx)
	if err := sc.lock.ForceAcquire(sc.ctx, holderOf(sc.RunID, 0)); err != nil {
		return fmt.Errorf("force maintenance mode: %w", err)
	}
	sc.seq = 0
	sc.Logger.WarnContext(sc.ctx, "Maintenance mode taken over", "previous_holder", status.Run())
	return nil
}

// MaintenanceStatus reports who currently holds maintenance mode.
func (sc *StepContext) MaintenanceStatus() (LockStatus, error) {
	return sc.lock.Status(sc.ctx)
}
