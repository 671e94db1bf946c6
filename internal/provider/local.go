package provider

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const pgUniqueViolation = "23505"

// LocalConfig configures the Postgres-backed provider.
type LocalConfig struct {
	SessionTTL time.Duration
	CodeTTL    time.Duration
	BaseURL    string // site base URL used to build invite links
}

// Local is the Postgres-backed auth provider. Passwords are bcrypt
// hashed, session tokens are opaque and stored as SHA-256 hashes, and
// invitation codes are AES-GCM-sealed payloads redeemable once.
type Local struct {
	pool   *pgxpool.Pool
	cipher *Cipher
	cfg    LocalConfig
	now    func() time.Time // injectable clock for testing
}

// NewLocal creates a Local provider. The cipher is required: invite
// codes cannot be minted or redeemed without it.
func NewLocal(pool *pgxpool.Pool, cipher *Cipher, cfg LocalConfig) *Local {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.CodeTTL == 0 {
		cfg.CodeTTL = 72 * time.Hour
	}
	return &Local{pool: pool, cipher: cipher, cfg: cfg, now: time.Now}
}

func hashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

const principalColumns = `id, email, password_set, metadata, created_at`

func scanPrincipal(scan func(dest ...any) error) (*Principal, error) {
	p := &Principal{}
	var metaJSON []byte
	if err := scan(&p.ID, &p.Email, &p.PasswordSet, &metaJSON, &p.CreatedAt); err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling principal metadata: %w", err)
		}
	}
	if p.Metadata == nil {
		p.Metadata = Metadata{}
	}
	return p, nil
}

// SignUp registers a new principal with a usable password.
func (l *Local) SignUp(ctx context.Context, email, password string, meta Metadata) (*Principal, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	metaJSON, err := json.Marshal(orEmpty(meta))
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	p, err := scanPrincipal(func(dest ...any) error {
		return l.pool.QueryRow(ctx,
			`INSERT INTO principals (id, email, password_hash, password_set, metadata)
			 VALUES ($1, lower($2), $3, true, $4)
			 RETURNING `+principalColumns,
			uuid.NewString(), email, string(hash), metaJSON,
		).Scan(dest...)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("creating principal: %w", err)
	}
	return p, nil
}

// SignIn verifies credentials and opens a session.
func (l *Local) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var id, passwordHash string
	var passwordSet bool
	err := l.pool.QueryRow(ctx,
		`SELECT id, coalesce(password_hash, ''), password_set
		 FROM principals WHERE email = lower($1)`, email,
	).Scan(&id, &passwordHash, &passwordSet)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("getting principal by email: %w", err)
	}

	if !passwordSet || bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return l.createSession(ctx, id)
}

func (l *Local) createSession(ctx context.Context, principalID string) (*Session, error) {
	plaintext, err := newToken()
	if err != nil {
		return nil, err
	}

	now := l.now()
	expiresAt := now.Add(l.cfg.SessionTTL)

	_, err = l.pool.Exec(ctx,
		`INSERT INTO sessions (token_hash, principal_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		hashToken(plaintext), principalID, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return &Session{Token: plaintext, PrincipalID: principalID, ExpiresAt: expiresAt}, nil
}

// CurrentPrincipal resolves a session token to its principal.
func (l *Local) CurrentPrincipal(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}

	p, err := scanPrincipal(func(dest ...any) error {
		return l.pool.QueryRow(ctx,
			`SELECT p.id, p.email, p.password_set, p.metadata, p.created_at
			 FROM sessions s JOIN principals p ON s.principal_id = p.id
			 WHERE s.token_hash = $1 AND s.expires_at > now()`,
			hashToken(token),
		).Scan(dest...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}
	return p, nil
}

// invitePayload is the sealed content of a one-time invitation code.
type invitePayload struct {
	CodeID      string `json:"cid"`
	PrincipalID string `json:"pid"`
	ExpiresAt   int64  `json:"exp"`
}

// InviteByEmail mints a principal without a usable password, carrying
// the invitation metadata, and returns the single-use invite link.
func (l *Local) InviteByEmail(ctx context.Context, email string, meta Metadata, redirectTo string) (string, error) {
	metaJSON, err := json.Marshal(orEmpty(meta))
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}

	p, err := scanPrincipal(func(dest ...any) error {
		return l.pool.QueryRow(ctx,
			`INSERT INTO principals (id, email, password_set, metadata)
			 VALUES ($1, lower($2), false, $3)
			 RETURNING `+principalColumns,
			uuid.NewString(), email, metaJSON,
		).Scan(dest...)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return "", ErrDuplicateEmail
		}
		return "", fmt.Errorf("creating invited principal: %w", err)
	}

	payload, err := json.Marshal(invitePayload{
		CodeID:      uuid.NewString(),
		PrincipalID: p.ID,
		ExpiresAt:   l.now().Add(l.cfg.CodeTTL).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling invite payload: %w", err)
	}

	code, err := l.cipher.Seal(payload)
	if err != nil {
		return "", fmt.Errorf("sealing invite code: %w", err)
	}

	link := fmt.Sprintf("%s/invite?code=%s", l.cfg.BaseURL, url.QueryEscape(code))
	if redirectTo != "" {
		link += "&next=" + url.QueryEscape(redirectTo)
	}
	return link, nil
}

// ExchangeCode redeems a one-time invitation code for a session. The
// code id is recorded on first redemption; a second redemption hits
// the primary key and fails.
func (l *Local) ExchangeCode(ctx context.Context, code string) (*Session, error) {
	raw, err := l.cipher.Open(code)
	if err != nil {
		return nil, ErrCodeInvalid
	}

	var payload invitePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrCodeInvalid
	}
	if l.now().Unix() > payload.ExpiresAt {
		return nil, ErrCodeInvalid
	}

	_, err = l.pool.Exec(ctx,
		`INSERT INTO invite_redemptions (code_id, principal_id) VALUES ($1, $2)`,
		payload.CodeID, payload.PrincipalID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrCodeInvalid
		}
		return nil, fmt.Errorf("recording redemption: %w", err)
	}

	return l.createSession(ctx, payload.PrincipalID)
}

// SetPassword sets a usable password on the principal.
func (l *Local) SetPassword(ctx context.Context, principalID, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	tag, err := l.pool.Exec(ctx,
		`UPDATE principals SET password_hash = $1, password_set = true, updated_at = now()
		 WHERE id = $2`, string(hash), principalID)
	if err != nil {
		return fmt.Errorf("setting password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

// SignOut invalidates the session token. Unknown tokens are a no-op.
func (l *Local) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	_, err := l.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, hashToken(token))
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// CleanExpiredSessions deletes all sessions past their expiry.
func (l *Local) CleanExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("cleaning expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func orEmpty(meta Metadata) Metadata {
	if meta == nil {
		return Metadata{}
	}
	return meta
}
