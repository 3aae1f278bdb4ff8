package member

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/id"
	"github.com/nexus-chat/nexus-server/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed member repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// IsMember reports whether userID belongs to serverID.
func (r *PGRepository) IsMember(ctx context.Context, userID, serverID id.ID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM members WHERE user_id = $1 AND server_id = $2)",
		userID, serverID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

// ListServerIDsForUser returns every server the user belongs to.
func (r *PGRepository) ListServerIDsForUser(ctx context.Context, userID id.ID) ([]id.ID, error) {
	rows, err := r.db.Query(ctx, "SELECT server_id FROM members WHERE user_id = $1", userID)
	if err != nil {
		return nil, fmt.Errorf("query member servers: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListUserIDsForServer returns every member of a server.
func (r *PGRepository) ListUserIDsForServer(ctx context.Context, serverID id.ID) ([]id.ID, error) {
	rows, err := r.db.Query(ctx, "SELECT user_id FROM members WHERE server_id = $1", serverID)
	if err != nil {
		return nil, fmt.Errorf("query server members: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Add inserts a membership row. Returns ErrAlreadyMember on unique violation.
func (r *PGRepository) Add(ctx context.Context, userID, serverID id.ID) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO members (user_id, server_id, joined_at) VALUES ($1, $2, NOW())", userID, serverID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

// Remove deletes a membership row. Returns ErrNotFound if it did not exist.
func (r *PGRepository) Remove(ctx context.Context, userID, serverID id.ID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM members WHERE user_id = $1 AND server_id = $2", userID, serverID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIDs(rows pgx.Rows) ([]id.ID, error) {
	var ids []id.ID
	for rows.Next() {
		var v id.ID
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}
