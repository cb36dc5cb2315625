package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/issuesentry/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockService hands out expiring named locks backed by scheduler_locks.
// A lock left behind by a crashed holder is reclaimed once it expires.
type LockService struct {
	db    *gorm.DB
	owner string
	now   func() time.Time
}

func NewLockService(db *gorm.DB) *LockService {
	host, _ := os.Hostname()
	return &LockService{
		db:    db,
		owner: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		now:   time.Now,
	}
}

// TryAcquire takes name/key for ttl. It reports false without error when
// another live holder has it.
func (l *LockService) TryAcquire(ctx context.Context, name, key string, ttl time.Duration) (bool, error) {
	now := l.now()
	db := l.db.WithContext(ctx)

	if err := db.Where("lock_name = ? AND lock_key = ? AND expires_at < ?", name, key, now).
		Delete(&models.SchedulerLock{}).Error; err != nil {
		return false, err
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.SchedulerLock{
		LockName:  name,
		LockKey:   key,
		LockedBy:  l.owner,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release frees a lock this instance holds.
func (l *LockService) Release(ctx context.Context, name, key string) error {
	return l.db.WithContext(ctx).
		Where("lock_name = ? AND lock_key = ? AND locked_by = ?", name, key, l.owner).
		Delete(&models.SchedulerLock{}).Error
}
