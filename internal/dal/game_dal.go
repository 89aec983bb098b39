package dal

import (
	"context"
	"errors"
	"fmt"

	"github.com/meepleai/meeple-backend/internal/models"

	"gorm.io/gorm"
)

// GameDAL provides data access for games.
type GameDAL struct {
	db *gorm.DB
}

// NewGameDAL creates a GameDAL.
func NewGameDAL(db *gorm.DB) *GameDAL {
	return &GameDAL{db: db}
}

// Create persists a new game.
func (dal *GameDAL) Create(ctx context.Context, game *models.Game) error {
	if result := dal.db.WithContext(ctx).Create(game); result.Error != nil {
		return fmt.Errorf("cannot create game: %w", result.Error)
	}
	return nil
}

// GetByID retrieves a game, or nil when absent.
func (dal *GameDAL) GetByID(ctx context.Context, id string) (*models.Game, error) {
	var game models.Game
	result := dal.db.WithContext(ctx).First(&game, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &game, nil
}

// ListByOwner retrieves a user's games, newest first.
func (dal *GameDAL) ListByOwner(ctx context.Context, ownerID string) ([]*models.Game, error) {
	var games []*models.Game
	result := dal.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&games)
	if result.Error != nil {
		return nil, result.Error
	}
	return games, nil
}
