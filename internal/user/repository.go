package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/id"
	"github.com/nexus-chat/nexus-server/internal/postgres"
)

const selectColumns = "id, username, flags, created_at"
const selectCredentialsColumns = "id, username, flags, created_at, password_hash"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
	ids *id.Generator
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger, ids *id.Generator) *PGRepository {
	return &PGRepository{db: db, log: logger, ids: ids}
}

// Create inserts a new user. Returns ErrAlreadyExists if the (case-folded)
// username is already taken.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (id.ID, error) {
	newID := r.ids.New()
	_, err := r.db.Exec(ctx,
		"INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3)",
		newID, NormalizeUsername(params.Username), params.PasswordHash,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return id.Nil, ErrAlreadyExists
		}
		return id.Nil, fmt.Errorf("insert user: %w", err)
	}
	return newID, nil
}

// GetByID returns the user matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, userID id.ID) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM users WHERE id = $1", userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByUsername returns the user with credentials matching the given
// (case-insensitive) username.
func (r *PGRepository) GetByUsername(ctx context.Context, username string) (*Credentials, error) {
	c, err := scanCredentials(r.db.QueryRow(ctx,
		"SELECT "+selectCredentialsColumns+" FROM users WHERE username = $1", NormalizeUsername(username)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by username: %w", err)
	}
	return c, nil
}

// GetCredentialsByID returns the user with credentials matching the given ID.
func (r *PGRepository) GetCredentialsByID(ctx context.Context, userID id.ID) (*Credentials, error) {
	c, err := scanCredentials(r.db.QueryRow(ctx,
		"SELECT "+selectCredentialsColumns+" FROM users WHERE id = $1", userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query credentials by id: %w", err)
	}
	return c, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Flags, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func scanCredentials(row pgx.Row) (*Credentials, error) {
	var c Credentials
	if err := row.Scan(&c.ID, &c.Username, &c.Flags, &c.CreatedAt, &c.PasswordHash); err != nil {
		return nil, fmt.Errorf("scan credentials: %w", err)
	}
	return &c, nil
}
