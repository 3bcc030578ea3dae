package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Token is a stored API token. Only the hash of the secret is kept.
type Token struct {
	ID             string
	Prefix         string
	Hash           string
	ClusterID      string
	OrganizationID string
	Scopes         []string
	Description    string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	RevokedAt      *time.Time
}

// CreateToken stores a new token.
func (s *Store) CreateToken(ctx context.Context, t *Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (id, prefix, hash, cluster_id, organization_id, scopes, description, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Prefix, t.Hash, t.ClusterID, t.OrganizationID, strings.Join(t.Scopes, " "),
		t.Description, toMicro(t.CreatedAt), nullMicro(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

const tokenColumns = `id, prefix, hash, cluster_id, organization_id, scopes, description, created_at, expires_at, revoked_at`

func scanToken(row rowScanner) (*Token, error) {
	var (
		t                Token
		scopes           string
		created          int64
		expires, revoked sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Prefix, &t.Hash, &t.ClusterID, &t.OrganizationID, &scopes,
		&t.Description, &created, &expires, &revoked); err != nil {
		return nil, err
	}
	t.Scopes = strings.Fields(scopes)
	t.CreatedAt = fromMicro(created)
	t.ExpiresAt = timePtr(expires)
	t.RevokedAt = timePtr(revoked)
	return &t, nil
}

// TokenByHash looks a token up by the hash of its secret.
func (s *Store) TokenByHash(ctx context.Context, hash string) (*Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM api_tokens WHERE hash = ?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return t, nil
}

// RevokeToken marks the token with the given prefix revoked.
func (s *Store) RevokeToken(ctx context.Context, prefix string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_tokens SET revoked_at = ? WHERE prefix = ? AND revoked_at IS NULL
	`, toMicro(now), prefix)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTokens returns every token, newest first.
func (s *Store) ListTokens(ctx context.Context) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM api_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
