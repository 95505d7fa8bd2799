package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"teamcall-backend/internal/domain"
	apperrors "teamcall-backend/pkg/errors"
)

// UserRepository handles user directory rows in CockroachDB
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Upsert inserts or updates a user's display name and avatar
func (r *UserRepository) Upsert(ctx context.Context, user *domain.User) error {
	query := `
		UPSERT INTO users (user_id, display_name, avatar_ref, updated_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		user.UserID,
		user.DisplayName,
		user.AvatarRef,
	).Scan(&user.UpdatedAt)

	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to upsert user: %w", err))
	}

	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, display_name, avatar_ref, updated_at
		FROM users
		WHERE user_id = $1
	`

	user := &domain.User{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&user.UserID,
		&user.DisplayName,
		&user.AvatarRef,
		&user.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError("user")
		}
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get user: %w", err))
	}

	return user, nil
}

// GetByIDs retrieves every known user in userIDs; unknown ids are skipped
func (r *UserRepository) GetByIDs(ctx context.Context, userIDs []string) ([]*domain.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT user_id, display_name, avatar_ref, updated_at
		FROM users
		WHERE user_id = ANY($1)
	`

	rows, err := r.pool.Query(ctx, query, userIDs)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to query users: %w", err))
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		user := &domain.User{}
		if err := rows.Scan(&user.UserID, &user.DisplayName, &user.AvatarRef, &user.UpdatedAt); err != nil {
			return nil, apperrors.DatabaseError(fmt.Errorf("failed to scan user: %w", err))
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to iterate users: %w", err))
	}

	return users, nil
}

// DisplayName returns the user's display name, or the id when unknown
func (r *UserRepository) DisplayName(ctx context.Context, userID string) (string, error) {
	user, err := r.GetByID(ctx, userID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return userID, nil
		}
		return "", err
	}
	if user.DisplayName == "" {
		return userID, nil
	}
	return user.DisplayName, nil
}
