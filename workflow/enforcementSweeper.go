package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/timesheet_backend/config"
	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/utils"
	"github.com/sirupsen/logrus"
)

const sweepLockTTL = 30 * time.Second

// EnforcementSweeper periodically evaluates every active user of every tenant.
type EnforcementSweeper struct {
	Service  *Service
	Interval time.Duration
}

func NewEnforcementSweeper(s *Service) *EnforcementSweeper {
	return &EnforcementSweeper{Service: s, Interval: s.Policy.SweepInterval}
}

func (sw *EnforcementSweeper) Run(ctx context.Context) {
	interval := sw.Interval
	if interval <= 0 {
		interval = 45 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sw.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs one pass and returns how many alarms it raised. Failures are logged
// per user and do not stop the pass.
func (sw *EnforcementSweeper) SweepOnce(ctx context.Context) int {
	s := sw.Service
	tenants, err := s.Store.ListTenants(ctx)
	if err != nil {
		config.LogError(s.Logger, "EnforcementSweeper", "SweepOnce", "ListTenants", nil, err)
		return 0
	}
	raised := 0
	for _, tenantId := range tenants {
		if ctx.Err() != nil {
			return raised
		}
		raised += sw.SweepTenant(utils.SetTenantIdInContext(ctx, tenantId), tenantId)
	}
	return raised
}

// SweepTenant evaluates every active user of one tenant.
func (sw *EnforcementSweeper) SweepTenant(ctx context.Context, tenantId string) int {
	s := sw.Service
	users, err := s.Store.ListUsers(ctx)
	if err != nil {
		config.LogError(s.Logger, "EnforcementSweeper", "SweepTenant", "ListUsers", tenantId, err)
		return 0
	}
	raised := 0
	for _, user := range users {
		alarms, err := sw.EvaluateUser(ctx, tenantId, user.ID)
		if err != nil {
			if !errors.Is(err, ErrUserLockBusy) {
				config.LogError(s.Logger, "EnforcementSweeper", "SweepTenant", "EvaluateUser", user.ID, err)
			}
			continue
		}
		raised += len(alarms)
	}
	return raised
}

// EvaluateUser runs Evaluate under the user's enforcement lock. ErrUserLockBusy means
// another worker is evaluating the same user. Redis failures fall back to running unlocked.
func (sw *EnforcementSweeper) EvaluateUser(ctx context.Context, tenantId string, userId int) ([]*models.Notification, error) {
	s := sw.Service
	lock, err := obtainUserLock(ctx, s.Locker, tenantId, userId, "enforcement", sweepLockTTL)
	if err != nil {
		if errors.Is(err, ErrUserLockBusy) {
			return nil, err
		}
		config.LogError(s.Logger, "EnforcementSweeper", "EvaluateUser", "obtainUserLock", userId, err)
	}
	defer releaseUserLock(ctx, lock)

	alarms, err := s.Enforcement.Evaluate(ctx, userId)
	if err != nil {
		return nil, err
	}
	if len(alarms) > 0 && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":     "EnforcementSweeper",
			"tenant_id": tenantId,
			"user_id":   userId,
			"raised":    len(alarms),
		}).Info("enforcement alarms raised")
	}
	return alarms, nil
}
