package core

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/platform"
)

// OAuthService manages the internal OAuth provider's client registrations
// and single-use authorization codes.
type OAuthService struct {
	db      DB
	codeTTL time.Duration
}

func NewOAuthService(db DB, codeTTL time.Duration) *OAuthService {
	return &OAuthService{db: db, codeTTL: codeTTL}
}

// RegisterClient creates or replaces an OAuth client registration. Called
// when a server spawns (each single-user server gets its own client) and
// when services are provisioned. Returns the raw secret exactly once.
func (s *OAuthService) RegisterClient(ctx context.Context, clientID, redirectURI, description string, allowedScopes []string, skipConfirmation bool) (*model.OAuthClient, string, error) {
	rawSecret := platform.NewToken()
	c, err := s.RegisterClientWithSecret(ctx, clientID, rawSecret, redirectURI, description, allowedScopes, skipConfirmation)
	if err != nil {
		return nil, "", err
	}
	return c, rawSecret, nil
}

// RegisterClientWithSecret is RegisterClient with a caller-chosen secret,
// used for config-declared services whose credentials are pre-shared with
// the external process.
func (s *OAuthService) RegisterClientWithSecret(ctx context.Context, clientID, secret, redirectURI, description string, allowedScopes []string, skipConfirmation bool) (*model.OAuthClient, error) {
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash client secret: %w", err)
	}

	c := &model.OAuthClient{
		ID:               platform.NewID(),
		ClientID:         clientID,
		SecretHash:       string(secretHash),
		RedirectURI:      redirectURI,
		Description:      description,
		AllowedScopes:    allowedScopes,
		SkipConfirmation: skipConfirmation,
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO oauth_clients (id, client_id, secret_hash, redirect_uri, description, allowed_scopes, skip_confirmation)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (client_id) DO UPDATE SET
		     secret_hash = EXCLUDED.secret_hash,
		     redirect_uri = EXCLUDED.redirect_uri,
		     description = EXCLUDED.description,
		     allowed_scopes = EXCLUDED.allowed_scopes,
		     skip_confirmation = EXCLUDED.skip_confirmation
		 RETURNING id, created_at`,
		c.ID, c.ClientID, c.SecretHash, c.RedirectURI, c.Description, c.AllowedScopes, c.SkipConfirmation,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("register oauth client %s: %w", clientID, err)
	}

	return c, nil
}

// GetClient retrieves a client registration.
func (s *OAuthService) GetClient(ctx context.Context, clientID string) (*model.OAuthClient, error) {
	var c model.OAuthClient
	err := s.db.QueryRow(ctx,
		`SELECT id, client_id, secret_hash, redirect_uri, description, allowed_scopes, skip_confirmation, created_at
		   FROM oauth_clients WHERE client_id = $1`,
		clientID,
	).Scan(&c.ID, &c.ClientID, &c.SecretHash, &c.RedirectURI, &c.Description,
		&c.AllowedScopes, &c.SkipConfirmation, &c.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth client %s: %w", clientID, err)
	}
	return &c, nil
}

// VerifyClientSecret checks a client's credentials.
func (s *OAuthService) VerifyClientSecret(ctx context.Context, clientID, secret string) (*model.OAuthClient, error) {
	c, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) != nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// DeleteClient removes a client registration and, via cascade, its codes
// and tokens. Idempotent.
func (s *OAuthService) DeleteClient(ctx context.Context, clientID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("delete oauth client %s: %w", clientID, err)
	}
	return nil
}

// IssueCode creates a single-use authorization code for the given user and
// client. The raw code goes into the redirect; only its hash is stored.
func (s *OAuthService) IssueCode(ctx context.Context, clientID, userID, redirectURI, sessionID string, scopeList []string) (string, error) {
	raw := platform.NewName("code-")
	expires := time.Now().Add(s.codeTTL)

	_, err := s.db.Exec(ctx,
		`INSERT INTO oauth_codes (id, code_hash, client_id, user_id, scopes, redirect_uri, session_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		platform.NewID(), platform.HashToken(raw), clientID, userID, scopeList, redirectURI, sessionID, expires,
	)
	if err != nil {
		return "", fmt.Errorf("issue oauth code for %s: %w", clientID, err)
	}
	return raw, nil
}

// RedeemCode consumes an authorization code. The row is deleted atomically
// on first use, so exactly one redemption can ever succeed; later attempts
// and expired codes get ErrCodeInvalid.
func (s *OAuthService) RedeemCode(ctx context.Context, clientID, rawCode string) (*model.OAuthCode, error) {
	var c model.OAuthCode
	err := s.db.QueryRow(ctx,
		`DELETE FROM oauth_codes WHERE code_hash = $1 AND client_id = $2
		 RETURNING id, client_id, user_id, scopes, redirect_uri, session_id, expires_at`,
		platform.HashToken(rawCode), clientID,
	).Scan(&c.ID, &c.ClientID, &c.UserID, &c.Scopes, &c.RedirectURI, &c.SessionID, &c.ExpiresAt)
	if isNoRows(err) {
		return nil, ErrCodeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("redeem oauth code: %w", err)
	}

	if time.Now().After(c.ExpiresAt) {
		return nil, ErrCodeInvalid
	}
	return &c, nil
}

// HasPriorGrant reports whether the user already holds an unexpired token
// for this client, letting the consent screen be skipped for repeat
// authorizations.
func (s *OAuthService) HasPriorGrant(ctx context.Context, clientID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM api_tokens
		  WHERE client_id = $1 AND user_id = $2
		    AND (expires_at IS NULL OR expires_at > now())`,
		clientID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check prior grant: %w", err)
	}
	return n > 0, nil
}

// PurgeExpiredCodes removes expired authorization codes.
func (s *OAuthService) PurgeExpiredCodes(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM oauth_codes WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired codes: %w", err)
	}
	return tag.RowsAffected(), nil
}
