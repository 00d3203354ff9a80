package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/storefront-orders/internal/database"
	"github.com/safar/storefront-orders/internal/models"
)

func CreateUser(ctx context.Context, db *sql.DB, id, email, name string, isAdmin bool) (*models.User, error) {
	user := &models.User{}

	query := `
		INSERT INTO users (id, email, name, is_admin, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, email, name, is_admin, created_at`

	err := db.QueryRowContext(ctx, query, id, email, name, isAdmin).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.IsAdmin,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

func GetUser(ctx context.Context, db *sql.DB, id string) (*models.User, error) {
	user := &models.User{}

	query := `
		SELECT id, email, name, is_admin, created_at
		FROM users
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.IsAdmin,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return user, nil
}
