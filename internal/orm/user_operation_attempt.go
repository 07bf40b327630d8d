// Package orm persists user operation attempts and their lifecycle transitions.
package orm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// ErrStaleState is returned when an attempt is no longer in the state an update expects.
var ErrStaleState = errors.New("attempt state changed concurrently")

// UserOperationAttempt is one pass of a user operation through the lifecycle.
type UserOperationAttempt struct {
	db *gorm.DB `gorm:"column:-"`

	ID          string             `gorm:"column:id;primaryKey"`
	SessionID   string             `gorm:"column:session_id;index"`
	Owner       string             `gorm:"column:owner"`
	Sender      string             `gorm:"column:sender;index:idx_sender_nonce"`
	Nonce       string             `gorm:"column:nonce;index:idx_sender_nonce"`
	Kind        string             `gorm:"column:kind"`
	CallCount   int                `gorm:"column:call_count"`
	UserOpHash  string             `gorm:"column:user_op_hash;index"`
	FeeToken    string             `gorm:"column:fee_token"`
	FeeAmount   string             `gorm:"column:fee_amount"`
	State       types.AttemptState `gorm:"column:state"`
	TxHash      string             `gorm:"column:tx_hash"`
	BlockNumber uint64             `gorm:"column:block_number"`
	Reason      string             `gorm:"column:reason"`
	Error       string             `gorm:"column:error"`
	CreatedAt   time.Time          `gorm:"column:created_at"`
	UpdatedAt   time.Time          `gorm:"column:updated_at"`
	DeletedAt   gorm.DeletedAt     `gorm:"column:deleted_at"`
}

// TableName returns the database table name for UserOperationAttempt
func (*UserOperationAttempt) TableName() string {
	return "user_operation_attempt"
}

// NewUserOperationAttempt creates a new instance of UserOperationAttempt
func NewUserOperationAttempt(db *gorm.DB) *UserOperationAttempt {
	return &UserOperationAttempt{db: db}
}

// Create inserts attempt, assigning a ULID when ID is empty.
func (u *UserOperationAttempt) Create(ctx context.Context, attempt *UserOperationAttempt) error {
	if attempt.ID == "" {
		attempt.ID = ulid.Make().String()
	}
	if err := u.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("UserOperationAttempt.Create error: %w", err)
	}
	return nil
}

// UpdateState moves attempt id from one state to another and writes fields alongside. The update is
// conditional on the stored state still being from; otherwise ErrStaleState is returned.
func (u *UserOperationAttempt) UpdateState(ctx context.Context, id string, from, to types.AttemptState, fields map[string]interface{}) error {
	if !types.CanTransition(from, to) && !types.CanReconcile(from, to) {
		return fmt.Errorf("invalid attempt transition %s -> %s", from, to)
	}

	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["state"] = to

	db := u.db.WithContext(ctx).
		Model(&UserOperationAttempt{}).
		Where("id = ?", id).
		Where("state = ?", from).
		Updates(updates)
	if db.Error != nil {
		return fmt.Errorf("UserOperationAttempt.UpdateState error: %w", db.Error)
	}
	if db.RowsAffected == 0 {
		return fmt.Errorf("attempt %s %s -> %s: %w", id, from, to, ErrStaleState)
	}
	return nil
}

// RecordError stores a failure that did not change the attempt's state.
func (u *UserOperationAttempt) RecordError(ctx context.Context, id string, cause error) error {
	db := u.db.WithContext(ctx).
		Model(&UserOperationAttempt{}).
		Where("id = ?", id).
		Update("error", cause.Error())
	if db.Error != nil {
		return fmt.Errorf("UserOperationAttempt.RecordError error: %w", db.Error)
	}
	return nil
}

// GetByID retrieves an attempt by id.
func (u *UserOperationAttempt) GetByID(ctx context.Context, id string) (*UserOperationAttempt, error) {
	var result UserOperationAttempt
	if err := u.db.WithContext(ctx).Where("id = ?", id).First(&result).Error; err != nil {
		return nil, err
	}
	result.db = u.db
	return &result, nil
}

// GetByHash retrieves the latest attempt submitted under userOpHash.
func (u *UserOperationAttempt) GetByHash(ctx context.Context, userOpHash string) (*UserOperationAttempt, error) {
	var result UserOperationAttempt
	err := u.db.WithContext(ctx).
		Where("user_op_hash = ?", userOpHash).
		Order("created_at DESC").
		First(&result).Error
	if err != nil {
		return nil, err
	}
	result.db = u.db
	return &result, nil
}

// ListBySender retrieves the most recent attempts of a smart account.
func (u *UserOperationAttempt) ListBySender(ctx context.Context, sender string, limit int) ([]*UserOperationAttempt, error) {
	var results []*UserOperationAttempt
	if err := u.db.WithContext(ctx).
		Where("sender = ?", sender).
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}

	for _, result := range results {
		result.db = u.db
	}
	return results, nil
}
