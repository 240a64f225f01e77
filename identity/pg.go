package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/tenancy/migration"
	"github.com/GoCodeAlone/tenancy/store"
)

// PGStore reads and writes the identities table inside each tenant schema.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func table(namespace string) (string, error) {
	if !migration.ValidNamespace(namespace) {
		return "", store.Invalid("namespace", "%q is not a valid namespace", namespace)
	}
	return pgx.Identifier{namespace, "identities"}.Sanitize(), nil
}

const identityColumns = `id, email, display_name, password_hash, is_admin, created_at, updated_at`

func scanIdentity(row pgx.Row, namespace string) (*Identity, error) {
	var i Identity
	if err := row.Scan(&i.ID, &i.Email, &i.DisplayName, &i.PasswordHash, &i.IsAdmin, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, err
	}
	i.Namespace = namespace
	return &i, nil
}

func (s *PGStore) GetOrCreate(ctx context.Context, namespace string, id *Identity) (*Identity, bool, error) {
	tbl, err := table(namespace)
	if err != nil {
		return nil, false, err
	}
	newID := id.ID
	if newID == uuid.Nil {
		newID = uuid.New()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO `+tbl+` (id, email, display_name, password_hash, is_admin)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO NOTHING
		RETURNING `+identityColumns,
		newID, id.Email, id.DisplayName, id.PasswordHash, id.IsAdmin)
	created, err := scanIdentity(row, namespace)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("create identity %s in %s: %w", id.Email, namespace, store.Classify(err))
	}

	existing, err := s.GetByEmail(ctx, namespace, id.Email)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PGStore) get(ctx context.Context, namespace, where string, arg any) (*Identity, error) {
	tbl, err := table(namespace)
	if err != nil {
		return nil, err
	}
	i, err := scanIdentity(s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM `+tbl+` WHERE `+where, arg), namespace)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("identity %v in %s: %w", arg, namespace, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get identity in %s: %w", namespace, err)
	}
	return i, nil
}

func (s *PGStore) Get(ctx context.Context, namespace string, id uuid.UUID) (*Identity, error) {
	return s.get(ctx, namespace, "id = $1", id)
}

func (s *PGStore) GetByEmail(ctx context.Context, namespace, email string) (*Identity, error) {
	return s.get(ctx, namespace, "email = $1", email)
}

func (s *PGStore) Update(ctx context.Context, namespace string, id *Identity) error {
	tbl, err := table(namespace)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		UPDATE `+tbl+` SET display_name = $2, password_hash = $3, is_admin = $4, updated_at = now()
		WHERE id = $1 RETURNING updated_at`,
		id.ID, id.DisplayName, id.PasswordHash, id.IsAdmin,
	).Scan(&id.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("identity %s in %s: %w", id.ID, namespace, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update identity in %s: %w", namespace, err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, namespace string) ([]*Identity, error) {
	tbl, err := table(namespace)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+identityColumns+` FROM `+tbl+` ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list identities in %s: %w", namespace, err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		i, err := scanIdentity(rows, namespace)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

var _ Store = (*PGStore)(nil)
