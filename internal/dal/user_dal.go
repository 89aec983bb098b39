package dal

import (
	"context"
	"errors"
	"fmt"

	"github.com/meepleai/meeple-backend/internal/models"

	"gorm.io/gorm"
)

// UserDAL provides data access for user accounts.
type UserDAL struct {
	db *gorm.DB
}

// NewUserDAL creates a UserDAL.
func NewUserDAL(db *gorm.DB) *UserDAL {
	return &UserDAL{db: db}
}

// Create persists a new user account.
func (dal *UserDAL) Create(ctx context.Context, user *models.User) error {
	if result := dal.db.WithContext(ctx).Create(user); result.Error != nil {
		return fmt.Errorf("cannot create user: %w", result.Error)
	}
	return nil
}

// GetByEmail retrieves a user by email, or nil when absent.
func (dal *UserDAL) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	result := dal.db.WithContext(ctx).First(&user, "email = ?", email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &user, nil
}

// GetByID retrieves a user by id, or nil when absent.
func (dal *UserDAL) GetByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	result := dal.db.WithContext(ctx).First(&user, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &user, nil
}
