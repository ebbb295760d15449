package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/platform"
	"github.com/edvin/notehub/internal/scopes"
)

var (
	tokenCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "token_cache_hits_total",
		Help: "Token lookups served from the in-memory cache",
	})
	tokenCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "token_cache_misses_total",
		Help: "Token lookups that had to hit the database",
	})
)

// TokenInfo is the resolved identity behind a bearer token, as returned by
// Lookup. Name is the owning principal (user or service name).
type TokenInfo struct {
	Token    *model.APIToken
	Name     string
	Admin    bool
	Groups   []string
	ScopeSet scopes.Set
}

type tokenCacheEntry struct {
	info      *TokenInfo
	fetchedAt time.Time
}

// TokenService issues, looks up, and revokes opaque API tokens. Lookup is
// the hottest path in the hub, so results are served from a bounded-age
// cache keyed by token hash; concurrent misses for the same token are
// collapsed with singleflight. Revocation invalidates the cache entry
// immediately.
type TokenService struct {
	db          DB
	roles       *RoleService
	cacheMaxAge time.Duration

	mu    sync.Mutex
	cache map[string]tokenCacheEntry
	group singleflight.Group
}

func NewTokenService(db DB, roles *RoleService, cacheMaxAge time.Duration) *TokenService {
	return &TokenService{
		db:          db,
		roles:       roles,
		cacheMaxAge: cacheMaxAge,
		cache:       make(map[string]tokenCacheEntry),
	}
}

// IssueParams describes a token to issue. Exactly one of User or Service
// must be set. Empty RequestedScopes means "everything the owner holds".
type IssueParams struct {
	User            *model.User
	Service         *model.Service
	ClientID        string
	RequestedScopes []string
	TTL             time.Duration
	Note            string
	SessionID       string
}

// Issue creates a token whose scopes are the intersection of the requested
// scopes with the owner's maximal scopes at this moment. Scopes are fixed
// from here on: later role changes apply only to future tokens.
func (s *TokenService) Issue(ctx context.Context, p IssueParams) (*model.APIToken, string, error) {
	var (
		owned scopes.Set
		err   error
	)
	switch {
	case p.User != nil:
		owned, err = s.roles.ResolveForUser(ctx, p.User)
	case p.Service != nil:
		owned, err = s.roles.ResolveForService(ctx, p.Service)
	default:
		return nil, "", fmt.Errorf("issue token: no owner")
	}
	if err != nil {
		return nil, "", fmt.Errorf("resolve owner scopes: %w", err)
	}

	final := owned
	if len(p.RequestedScopes) > 0 {
		requested, err := scopes.NewSet(p.RequestedScopes...)
		if err != nil {
			return nil, "", fmt.Errorf("requested scopes: %w", err)
		}
		final = owned.Intersect(requested)
	}

	raw := platform.NewToken()
	token := &model.APIToken{
		ID:          platform.NewID(),
		TokenHash:   platform.HashToken(raw),
		TokenPrefix: platform.TokenPrefix(raw),
		Scopes:      final.Slice(),
		Note:        p.Note,
		SessionID:   p.SessionID,
	}
	if p.User != nil {
		token.UserID = &p.User.ID
	}
	if p.Service != nil {
		token.ServiceName = &p.Service.Name
	}
	if p.ClientID != "" {
		token.ClientID = &p.ClientID
	}
	if p.TTL > 0 {
		exp := time.Now().Add(p.TTL)
		token.ExpiresAt = &exp
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO api_tokens (id, token_hash, token_prefix, user_id, service_name, client_id, scopes, note, session_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING created_at`,
		token.ID, token.TokenHash, token.TokenPrefix, token.UserID, token.ServiceName,
		token.ClientID, token.Scopes, token.Note, token.SessionID, token.ExpiresAt,
	).Scan(&token.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("insert token: %w", err)
	}

	return token, raw, nil
}

// EnsureServiceToken stores a pre-shared token for a config-declared
// service. The raw value comes from the operator's environment; scopes are
// the service's maximal set at provisioning time. Re-provisioning the same
// raw token refreshes its scopes in place.
func (s *TokenService) EnsureServiceToken(ctx context.Context, svc *model.Service, raw string) error {
	owned, err := s.roles.ResolveForService(ctx, svc)
	if err != nil {
		return fmt.Errorf("resolve scopes for service %s: %w", svc.Name, err)
	}

	hash := platform.HashToken(raw)
	_, err = s.db.Exec(ctx,
		`INSERT INTO api_tokens (id, token_hash, token_prefix, service_name, scopes, note)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (token_hash) DO UPDATE SET
		     service_name = EXCLUDED.service_name,
		     scopes = EXCLUDED.scopes`,
		platform.NewID(), hash, platform.TokenPrefix(raw), svc.Name, owned.Slice(),
		"service token "+svc.Name,
	)
	if err != nil {
		return fmt.Errorf("store token for service %s: %w", svc.Name, err)
	}
	s.Invalidate(hash)
	return nil
}

// Lookup resolves a raw bearer token to its owner and scopes. Returns
// ErrNotFound for unknown, revoked, and expired tokens.
func (s *TokenService) Lookup(ctx context.Context, raw string) (*TokenInfo, error) {
	hash := platform.HashToken(raw)

	s.mu.Lock()
	entry, ok := s.cache[hash]
	s.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < s.cacheMaxAge {
		if expired(entry.info.Token) {
			s.Invalidate(hash)
			return nil, ErrNotFound
		}
		tokenCacheHits.Inc()
		return entry.info, nil
	}
	tokenCacheMisses.Inc()

	v, err, _ := s.group.Do(hash, func() (any, error) {
		return s.fetch(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	info := v.(*TokenInfo)

	s.mu.Lock()
	s.cache[hash] = tokenCacheEntry{info: info, fetchedAt: time.Now()}
	s.mu.Unlock()

	return info, nil
}

func (s *TokenService) fetch(ctx context.Context, hash string) (*TokenInfo, error) {
	var (
		t        model.APIToken
		userName *string
		admin    *bool
	)
	err := s.db.QueryRow(ctx,
		`SELECT t.id, t.token_hash, t.token_prefix, t.user_id, t.service_name, t.client_id,
		        t.scopes, t.note, t.session_id, t.created_at, t.expires_at, t.last_activity,
		        u.name, u.admin
		   FROM api_tokens t LEFT JOIN users u ON u.id = t.user_id
		  WHERE t.token_hash = $1`,
		hash,
	).Scan(&t.ID, &t.TokenHash, &t.TokenPrefix, &t.UserID, &t.ServiceName, &t.ClientID,
		&t.Scopes, &t.Note, &t.SessionID, &t.CreatedAt, &t.ExpiresAt, &t.LastActivity,
		&userName, &admin)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	if expired(&t) {
		// Opportunistic purge; the row is dead either way.
		_, _ = s.db.Exec(ctx, `DELETE FROM api_tokens WHERE id = $1`, t.ID)
		return nil, ErrNotFound
	}

	info := &TokenInfo{Token: &t}
	switch {
	case t.ServiceName != nil:
		info.Name = *t.ServiceName
	case userName != nil:
		info.Name = *userName
	}
	if admin != nil {
		info.Admin = *admin
	}

	set, err := scopes.NewSet(t.Scopes...)
	if err != nil {
		return nil, fmt.Errorf("token %s has invalid scopes: %w", t.ID, err)
	}
	info.ScopeSet = set

	if t.UserID != nil {
		if user, err := s.groupsFor(ctx, *t.UserID); err == nil {
			info.Groups = user
		}
		_, _ = s.db.Exec(ctx,
			`UPDATE api_tokens SET last_activity = now() WHERE id = $1`, t.ID)
	}

	return info, nil
}

func (s *TokenService) groupsFor(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT g.name FROM groups g JOIN user_groups ug ON ug.group_id = g.id WHERE ug.user_id = $1 ORDER BY g.name`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func expired(t *model.APIToken) bool {
	return t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt)
}

// Revoke deletes a token by ID and drops it from the cache.
func (s *TokenService) Revoke(ctx context.Context, id string) error {
	var hash string
	err := s.db.QueryRow(ctx,
		`DELETE FROM api_tokens WHERE id = $1 RETURNING token_hash`, id,
	).Scan(&hash)
	if isNoRows(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("revoke token %s: %w", id, err)
	}

	s.Invalidate(hash)
	return nil
}

// RevokeSession deletes every token issued under a session ID (logout) and
// invalidates their cache entries.
func (s *TokenService) RevokeSession(ctx context.Context, sessionID string) error {
	rows, err := s.db.Query(ctx,
		`DELETE FROM api_tokens WHERE session_id = $1 RETURNING token_hash`, sessionID,
	)
	if err != nil {
		return fmt.Errorf("revoke session %s: %w", sessionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return fmt.Errorf("scan revoked token: %w", err)
		}
		s.Invalidate(hash)
	}
	return rows.Err()
}

// Invalidate drops a cache entry by token hash.
func (s *TokenService) Invalidate(hash string) {
	s.mu.Lock()
	delete(s.cache, hash)
	s.mu.Unlock()
}

// ListByUser returns a user's tokens, newest first.
func (s *TokenService) ListByUser(ctx context.Context, userID string) ([]model.APIToken, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, token_prefix, user_id, service_name, client_id, scopes, note, session_id, created_at, expires_at, last_activity
		   FROM api_tokens WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tokens for user %s: %w", userID, err)
	}
	defer rows.Close()

	var tokens []model.APIToken
	for rows.Next() {
		var t model.APIToken
		if err := rows.Scan(&t.ID, &t.TokenPrefix, &t.UserID, &t.ServiceName, &t.ClientID,
			&t.Scopes, &t.Note, &t.SessionID, &t.CreatedAt, &t.ExpiresAt, &t.LastActivity); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// PurgeExpired removes expired token rows. Run periodically.
func (s *TokenService) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM api_tokens WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
