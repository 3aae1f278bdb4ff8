package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/id"
)

const selectColumns = "id, name, owner_id, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
	ids *id.Generator
}

// NewPGRepository creates a new PostgreSQL-backed server repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger, ids *id.Generator) *PGRepository {
	return &PGRepository{db: db, log: logger, ids: ids}
}

// GetByID returns the server matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, serverID id.ID) (*Server, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM servers WHERE id = $1", selectColumns), serverID,
	)
	s, err := scanServer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query server by id: %w", err)
	}
	return s, nil
}

// Create inserts a new server owned by ownerID.
func (r *PGRepository) Create(ctx context.Context, name string, ownerID id.ID) (*Server, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("INSERT INTO servers (id, name, owner_id) VALUES ($1, $2, $3) RETURNING %s", selectColumns),
		r.ids.New(), name, ownerID,
	)
	s, err := scanServer(row)
	if err != nil {
		return nil, fmt.Errorf("insert server: %w", err)
	}
	return s, nil
}

func scanServer(row pgx.Row) (*Server, error) {
	var s Server
	if err := row.Scan(&s.ID, &s.Name, &s.OwnerID, &s.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return &s, nil
}
