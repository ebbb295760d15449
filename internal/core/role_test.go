package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/notehub/internal/model"
)

func roleRow(id, name string, scopeList []string) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = name
		*(dest[2].(*string)) = ""
		*(dest[3].(*[]string)) = scopeList
		*(dest[4].(*time.Time)) = time.Now()
		return nil
	}
}

func TestRoleService_ResolveForUser_ExpandsSelfFilters(t *testing.T) {
	db := &mockDB{}
	svc := NewRoleService(db)
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("role_assignments"), mock.Anything).
		Return(newEmptyMockRows(), nil)
	db.On("QueryRow", ctx, sqlContaining("FROM roles"), mock.Anything).
		Return(&mockRow{scanFunc: roleRow("role-user", "user",
			[]string{"access:servers!user", "servers!user", "read:users!user"})})

	set, err := svc.ResolveForUser(ctx, &model.User{ID: "u1", Name: "alice"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"access:servers!user=alice",
		"servers!user=alice",
		"read:users!user=alice",
	}, set.Slice())
}

func TestRoleService_ResolveForUser_AdminGetsAdminRole(t *testing.T) {
	db := &mockDB{}
	svc := NewRoleService(db)
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("role_assignments"), mock.Anything).
		Return(newEmptyMockRows(), nil)
	// Role lookups happen by name in order: user, admin.
	db.On("QueryRow", ctx, sqlContaining("FROM roles"), mock.Anything).
		Return(&mockRow{scanFunc: roleRow("role-user", "user", []string{"servers!user"})}).Once()
	db.On("QueryRow", ctx, sqlContaining("FROM roles"), mock.Anything).
		Return(&mockRow{scanFunc: roleRow("role-admin", "admin", []string{"admin:users", "admin:servers"})}).Once()

	set, err := svc.ResolveForUser(ctx, &model.User{ID: "u1", Name: "alice", Admin: true})
	require.NoError(t, err)

	assert.True(t, set.Allows("admin:users"))
	assert.True(t, set.Allows("servers!user=bob"))
	db.AssertExpectations(t)
}

func TestRoleService_ResolveForUser_FreshSetEachCall(t *testing.T) {
	db := &mockDB{}
	svc := NewRoleService(db)
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("role_assignments"), mock.Anything).
		Return(newEmptyMockRows(), nil).Twice()
	db.On("QueryRow", ctx, sqlContaining("FROM roles"), mock.Anything).
		Return(&mockRow{scanFunc: roleRow("role-user", "user", []string{"servers!user"})}).Times(2)

	alice, err := svc.ResolveForUser(ctx, &model.User{ID: "u1", Name: "alice"})
	require.NoError(t, err)
	bob, err := svc.ResolveForUser(ctx, &model.User{ID: "u2", Name: "bob"})
	require.NoError(t, err)

	// Resolving for bob must not have leaked into alice's set.
	assert.ElementsMatch(t, []string{"servers!user=alice"}, alice.Slice())
	assert.ElementsMatch(t, []string{"servers!user=bob"}, bob.Slice())
}
