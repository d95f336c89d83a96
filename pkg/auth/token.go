package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
)

const (
	// TokenPrefix identifies tenantgate API tokens
	TokenPrefix = "tg_"
	// TokenLength is the total length of random bytes (32 bytes = 256 bits)
	TokenLength = 32
)

// TokenGenerator generates and validates API tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateToken creates a new API token
// Format: tg_<base64url(32 random bytes)>
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, tokenPrefix string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	fullToken := TokenPrefix + encoded
	return fullToken, tg.HashToken(fullToken), tg.ExtractPrefix(fullToken), nil
}

// HashToken computes the SHA256 hash of a token for lookup
func (tg *TokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the correct format
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}

	encodedPart := strings.TrimPrefix(token, TokenPrefix)
	if len(encodedPart) == 0 {
		return fmt.Errorf("token is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encodedPart); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	return nil
}

// ExtractPrefix returns the displayable start of a token (prefix plus 8
// characters).
func (tg *TokenGenerator) ExtractPrefix(token string) string {
	if !strings.HasPrefix(token, TokenPrefix) {
		return ""
	}
	encodedPart := strings.TrimPrefix(token, TokenPrefix)
	if len(encodedPart) >= 8 {
		return TokenPrefix + encodedPart[:8]
	}
	return token
}

// TokenManager manages API token lifecycle in the api_tokens table.
type TokenManager struct {
	db        *sql.DB
	generator *TokenGenerator
	now       func() time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager(db *sql.DB) *TokenManager {
	return &TokenManager{
		db:        db,
		generator: NewTokenGenerator(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

const tokenColumns = "id, user_id, tenant_id, name, token_hash, token_prefix, expires_at, last_used_at, revoked_at, created_at"

func scanToken(row interface{ Scan(...interface{}) error }) (*APIToken, error) {
	var t APIToken
	var expires, lastUsed, revoked sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.TenantID, &t.Name, &t.TokenHash, &t.TokenPrefix,
		&expires, &lastUsed, &revoked, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.ExpiresAt = nullTimePtr(expires)
	t.LastUsedAt = nullTimePtr(lastUsed)
	t.RevokedAt = nullTimePtr(revoked)
	return &t, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// CreateToken stores a new token for userID, optionally pinned to tenantID,
// and returns the record plus the plaintext. The plaintext is not stored.
func (tm *TokenManager) CreateToken(ctx context.Context, userID, tenantID, name string, expiresAt *time.Time) (*APIToken, string, error) {
	const op = "auth.CreateToken"
	if userID == "" {
		return nil, "", apierror.Invalid(op, "user id is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, "", apierror.Invalid(op, "token name is required")
	}
	now := tm.now()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, "", apierror.Invalid(op, "expiry must be in the future")
	}

	plaintext, hash, prefix, err := tm.generator.GenerateToken()
	if err != nil {
		return nil, "", apierror.Upstream(op, err)
	}

	t := &APIToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		TenantID:    tenantID,
		Name:        strings.TrimSpace(name),
		TokenHash:   hash,
		TokenPrefix: prefix,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	_, err = tm.db.ExecContext(ctx,
		"INSERT INTO api_tokens (id, user_id, tenant_id, name, token_hash, token_prefix, expires_at, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		t.ID, t.UserID, t.TenantID, t.Name, t.TokenHash, t.TokenPrefix, expiresAt, t.CreatedAt)
	if err != nil {
		return nil, "", apierror.Upstream(op, fmt.Errorf("failed to store token: %w", err))
	}
	return t, plaintext, nil
}

// ValidateToken looks up a plaintext token. Unknown, revoked and expired
// tokens are all AuthenticationRequired so callers cannot tell them apart.
func (tm *TokenManager) ValidateToken(ctx context.Context, token string) (*APIToken, error) {
	const op = "auth.ValidateToken"
	if err := tm.generator.ValidateTokenFormat(token); err != nil {
		return nil, apierror.New(apierror.KindAuthenticationRequired, op, "invalid credentials")
	}

	t, err := scanToken(tm.db.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM api_tokens WHERE token_hash = $1", tm.generator.HashToken(token)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.New(apierror.KindAuthenticationRequired, op, "invalid credentials")
	}
	if err != nil {
		return nil, apierror.Upstream(op, err)
	}

	now := tm.now()
	if !t.Usable(now) {
		return nil, apierror.New(apierror.KindAuthenticationRequired, op, "invalid credentials")
	}

	// last_used_at is informational; a failed update does not reject the token.
	if _, err := tm.db.ExecContext(ctx, "UPDATE api_tokens SET last_used_at = $1 WHERE id = $2", now, t.ID); err == nil {
		t.LastUsedAt = &now
	}
	return t, nil
}

// RevokeToken revokes one of userID's tokens.
func (tm *TokenManager) RevokeToken(ctx context.Context, userID, tokenID string) error {
	const op = "auth.RevokeToken"
	res, err := tm.db.ExecContext(ctx,
		"UPDATE api_tokens SET revoked_at = $1 WHERE id = $2 AND user_id = $3 AND revoked_at IS NULL",
		tm.now(), tokenID, userID)
	if err != nil {
		return apierror.Upstream(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.New(apierror.KindNotFound, op, "token not found")
	}
	return nil
}

// ListUserTokens lists a user's tokens, newest first, including revoked ones.
func (tm *TokenManager) ListUserTokens(ctx context.Context, userID string) ([]*APIToken, error) {
	const op = "auth.ListUserTokens"
	rows, err := tm.db.QueryContext(ctx,
		"SELECT "+tokenColumns+" FROM api_tokens WHERE user_id = $1 ORDER BY created_at DESC, id", userID)
	if err != nil {
		return nil, apierror.Upstream(op, err)
	}
	defer rows.Close()

	var out []*APIToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, apierror.Upstream(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Upstream(op, err)
	}
	return out, nil
}

// CleanupExpiredTokens deletes tokens that expired or were revoked before
// cutoff.
func (tm *TokenManager) CleanupExpiredTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := tm.db.ExecContext(ctx,
		"DELETE FROM api_tokens WHERE (expires_at IS NOT NULL AND expires_at < $1) OR (revoked_at IS NOT NULL AND revoked_at < $2)",
		cutoff.UTC(), cutoff.UTC())
	if err != nil {
		return 0, apierror.Upstream("auth.CleanupExpiredTokens", err)
	}
	return res.RowsAffected()
}
