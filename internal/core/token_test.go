package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/platform"
)

func sqlContaining(fragment string) any {
	return mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, fragment)
	})
}

// expectUserRoleResolution wires the role lookups ResolveForUser performs
// for a non-admin user: no direct assignments, plus the default user role.
func expectUserRoleResolution(db *mockDB, ctx context.Context, roleScopes []string) {
	db.On("Query", ctx, sqlContaining("role_assignments"), mock.Anything).
		Return(newEmptyMockRows(), nil)
	db.On("QueryRow", ctx, sqlContaining("FROM roles"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*string)) = "role-user"
			*(dest[1].(*string)) = "user"
			*(dest[2].(*string)) = "Default scopes for all users"
			*(dest[3].(*[]string)) = roleScopes
			*(dest[4].(*time.Time)) = time.Now()
			return nil
		}})
}

func TestTokenService_Issue_ScopesCappedByOwner(t *testing.T) {
	db := &mockDB{}
	svc := NewTokenService(db, NewRoleService(db), 5*time.Minute)
	ctx := context.Background()

	expectUserRoleResolution(db, ctx, []string{"servers!user"})

	var insertedScopes []string
	db.On("QueryRow", ctx, sqlContaining("INSERT INTO api_tokens"), mock.Anything).
		Run(func(args mock.Arguments) {
			insertedScopes = args.Get(2).([]any)[6].([]string)
		}).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*time.Time)) = time.Now()
			return nil
		}})

	user := &model.User{ID: "u1", Name: "alice"}
	token, raw, err := svc.Issue(ctx, IssueParams{
		User:            user,
		RequestedScopes: []string{"access:servers"},
	})
	require.NoError(t, err)

	// Owner holds servers!user=alice; requesting unfiltered access:servers
	// yields the filtered sub-scope.
	assert.Equal(t, []string{"access:servers!user=alice"}, insertedScopes)
	assert.Equal(t, insertedScopes, token.Scopes)
	assert.True(t, strings.HasPrefix(raw, "nh_"))
	assert.Equal(t, platform.HashToken(raw), token.TokenHash)
	db.AssertExpectations(t)
}

func TestTokenService_Issue_NoRequestedScopesMeansAllOwned(t *testing.T) {
	db := &mockDB{}
	svc := NewTokenService(db, NewRoleService(db), 5*time.Minute)
	ctx := context.Background()

	expectUserRoleResolution(db, ctx, []string{"servers!user", "read:users!user"})

	var insertedScopes []string
	db.On("QueryRow", ctx, sqlContaining("INSERT INTO api_tokens"), mock.Anything).
		Run(func(args mock.Arguments) {
			insertedScopes = args.Get(2).([]any)[6].([]string)
		}).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*time.Time)) = time.Now()
			return nil
		}})

	_, _, err := svc.Issue(ctx, IssueParams{User: &model.User{ID: "u1", Name: "alice"}})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"servers!user=alice", "read:users!user=alice"}, insertedScopes)
}

// tokenRowScan builds a scan func for the Lookup query.
func tokenRowScan(hash string, scopeList []string, expiresAt *time.Time) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = "t1"
		*(dest[1].(*string)) = hash
		*(dest[2].(*string)) = "nh_12345678"
		uid := "u1"
		*(dest[3].(**string)) = &uid
		*(dest[4].(**string)) = nil
		*(dest[5].(**string)) = nil
		*(dest[6].(*[]string)) = scopeList
		*(dest[7].(*string)) = ""
		*(dest[8].(*string)) = "sess-1"
		*(dest[9].(*time.Time)) = time.Now()
		*(dest[10].(**time.Time)) = expiresAt
		*(dest[11].(**time.Time)) = nil
		name := "alice"
		*(dest[12].(**string)) = &name
		admin := false
		*(dest[13].(**bool)) = &admin
		return nil
	}
}

func TestTokenService_Lookup_CachesResult(t *testing.T) {
	db := &mockDB{}
	svc := NewTokenService(db, NewRoleService(db), 5*time.Minute)
	ctx := context.Background()

	raw := platform.NewToken()
	hash := platform.HashToken(raw)

	// The fetch path must run exactly once; the second lookup is a cache hit.
	db.On("QueryRow", ctx, sqlContaining("FROM api_tokens t"), mock.Anything).
		Return(&mockRow{scanFunc: tokenRowScan(hash, []string{"access:servers!user=alice"}, nil)}).Once()
	db.On("Query", ctx, sqlContaining("JOIN user_groups"), mock.Anything).
		Return(newEmptyMockRows(), nil).Once()
	db.On("Exec", ctx, sqlContaining("last_activity"), mock.Anything).
		Return(pgconn.CommandTag{}, nil).Once()

	first, err := svc.Lookup(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", first.Name)
	assert.True(t, first.ScopeSet.Allows("access:servers!server=alice/"))

	second, err := svc.Lookup(ctx, raw)
	require.NoError(t, err)
	assert.Same(t, first, second)
	db.AssertExpectations(t)
}

func TestTokenService_Lookup_UnknownToken(t *testing.T) {
	db := &mockDB{}
	svc := NewTokenService(db, NewRoleService(db), 5*time.Minute)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM api_tokens t"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			return pgx.ErrNoRows
		}})

	_, err := svc.Lookup(ctx, platform.NewToken())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenService_Lookup_ExpiredTokenPurged(t *testing.T) {
	db := &mockDB{}
	svc := NewTokenService(db, NewRoleService(db), 5*time.Minute)
	ctx := context.Background()

	raw := platform.NewToken()
	past := time.Now().Add(-time.Minute)

	db.On("QueryRow", ctx, sqlContaining("FROM api_tokens t"), mock.Anything).
		Return(&mockRow{scanFunc: tokenRowScan(platform.HashToken(raw), nil, &past)})
	db.On("Exec", ctx, sqlContaining("DELETE FROM api_tokens"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	_, err := svc.Lookup(ctx, raw)
	assert.ErrorIs(t, err, ErrNotFound)
	db.AssertExpectations(t)
}

func TestTokenService_Revoke_InvalidatesCache(t *testing.T) {
	db := &mockDB{}
	svc := NewTokenService(db, NewRoleService(db), 5*time.Minute)
	ctx := context.Background()

	raw := platform.NewToken()
	hash := platform.HashToken(raw)

	// Two distinct fetches expected: before and after revocation.
	db.On("QueryRow", ctx, sqlContaining("FROM api_tokens t"), mock.Anything).
		Return(&mockRow{scanFunc: tokenRowScan(hash, []string{"read:users!user=alice"}, nil)}).Twice()
	db.On("Query", ctx, sqlContaining("JOIN user_groups"), mock.Anything).
		Return(newEmptyMockRows(), nil).Twice()
	db.On("Exec", ctx, sqlContaining("last_activity"), mock.Anything).
		Return(pgconn.CommandTag{}, nil).Twice()

	db.On("QueryRow", ctx, sqlContaining("DELETE FROM api_tokens"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*string)) = hash
			return nil
		}}).Once()

	_, err := svc.Lookup(ctx, raw)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, "t1"))

	// The cache entry is gone, so this lookup goes back to the store.
	_, err = svc.Lookup(ctx, raw)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestTokenService_EnsureServiceToken(t *testing.T) {
	db := &mockDB{}
	roles := NewRoleService(db)
	svc := NewTokenService(db, roles, 5*time.Minute)
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("role_assignments"), mock.Anything).
		Return(newMockRows(func(dest ...any) error {
			*(dest[0].(*[]string)) = []string{"users:activity", "read:users"}
			return nil
		}), nil)

	var args []any
	db.On("Exec", ctx, sqlContaining("ON CONFLICT (token_hash)"), mock.Anything).
		Run(func(call mock.Arguments) {
			args = call.Get(2).([]any)
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	raw := "nh_preshared"
	err := svc.EnsureServiceToken(ctx, &model.Service{ID: "svc-1", Name: "culler"}, raw)
	require.NoError(t, err)

	// Only the hash and display prefix of the pre-shared value are stored.
	require.Len(t, args, 6)
	assert.Equal(t, platform.HashToken(raw), args[1])
	assert.Equal(t, platform.TokenPrefix(raw), args[2])
	assert.Equal(t, "culler", args[3])
	assert.ElementsMatch(t, []string{"users:activity", "read:users"}, args[4])
	db.AssertExpectations(t)
}
