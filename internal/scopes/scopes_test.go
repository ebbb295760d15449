package scopes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	s, err := Parse("access:servers!user=alice")
	require.NoError(t, err)
	assert.Equal(t, "access:servers", s.Base)
	assert.Equal(t, "user", s.Filter)
	assert.Equal(t, "alice", s.Value)
	assert.Equal(t, "access:servers!user=alice", s.String())
}

func TestParse_SelfReferencing(t *testing.T) {
	s, err := Parse("servers!user")
	require.NoError(t, err)
	assert.True(t, s.SelfReferencing())
	assert.Equal(t, "servers!user", s.String())
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("")
	assert.Error(t, err)

	_, err = Parse("servers!realm=x")
	assert.Error(t, err)
}

func TestExpandSelf(t *testing.T) {
	set := MustNewSet("access:servers!user", "read:users!user", "admin:servers")

	expanded := set.ExpandSelf(Identity{User: "alice"})

	assert.ElementsMatch(t, []string{
		"access:servers!user=alice",
		"read:users!user=alice",
		"admin:servers",
	}, expanded.Slice())
}

func TestExpandSelf_DropsUnresolvable(t *testing.T) {
	set := MustNewSet("access:servers!server", "read:users!user")

	// A plain user identity has no server to bind "!server" to.
	expanded := set.ExpandSelf(Identity{User: "alice"})
	assert.ElementsMatch(t, []string{"read:users!user=alice"}, expanded.Slice())

	asServer := set.ExpandSelf(Identity{User: "alice", Server: "alice/hpc"})
	assert.ElementsMatch(t, []string{
		"access:servers!server=alice/hpc",
		"read:users!user=alice",
	}, asServer.Slice())
}

func TestExpandSelf_DoesNotMutateReceiver(t *testing.T) {
	set := MustNewSet("access:servers!user")
	before := set.Slice()

	_ = set.ExpandSelf(Identity{User: "alice"})
	_ = set.ExpandSelf(Identity{User: "bob"})

	assert.Equal(t, before, set.Slice())
}

func TestIntersect_Idempotent(t *testing.T) {
	a := MustNewSet("servers!user=alice", "read:users")

	got := a.Intersect(a)
	assert.ElementsMatch(t, a.Slice(), got.Slice())
}

func TestIntersect_Commutative(t *testing.T) {
	a := MustNewSet("servers", "read:users!user=alice")
	b := MustNewSet("servers!user=alice", "read:users")

	ab := a.Intersect(b)
	ba := b.Intersect(a)

	assert.Equal(t, ab.Slice(), ba.Slice())
	assert.ElementsMatch(t, []string{
		"servers!user=alice",
		"read:users!user=alice",
	}, ab.Slice())
}

func TestIntersect_UnfilteredNarrowedByFilter(t *testing.T) {
	owner := MustNewSet("access:servers")
	requested := MustNewSet("access:servers!user=alice")

	got := owner.Intersect(requested)
	assert.ElementsMatch(t, []string{"access:servers!user=alice"}, got.Slice())
}

func TestIntersect_SubScopeHierarchy(t *testing.T) {
	// "servers" contains read:servers and access:servers.
	a := MustNewSet("servers!user=alice")
	b := MustNewSet("access:servers")

	got := a.Intersect(b)
	assert.ElementsMatch(t, []string{"access:servers!user=alice"}, got.Slice())
}

func TestIntersect_DisjointFilters(t *testing.T) {
	a := MustNewSet("access:servers!user=alice")
	b := MustNewSet("access:servers!user=bob")

	got := a.Intersect(b)
	assert.Empty(t, got.Slice())
}

func TestIntersect_UserFilterCoversOwnServers(t *testing.T) {
	a := MustNewSet("access:servers!user=alice")
	b := MustNewSet("access:servers!server=alice/hpc")

	got := a.Intersect(b)
	assert.ElementsMatch(t, []string{"access:servers!server=alice/hpc"}, got.Slice())

	// Not another user's server.
	c := MustNewSet("access:servers!server=bob/hpc")
	assert.Empty(t, a.Intersect(c).Slice())
}

func TestIntersect_DoesNotMutateInputs(t *testing.T) {
	a := MustNewSet("servers", "read:users")
	b := MustNewSet("servers!user=alice")
	aBefore, bBefore := a.Slice(), b.Slice()

	_ = a.Intersect(b)

	assert.Equal(t, aBefore, a.Slice())
	assert.Equal(t, bBefore, b.Slice())
}

func TestAllows(t *testing.T) {
	set := MustNewSet("servers!user=alice", "read:users")

	assert.True(t, set.Allows("access:servers!server=alice/"))
	assert.True(t, set.Allows("read:servers!user=alice"))
	assert.True(t, set.Allows("read:users!user=bob"))
	assert.False(t, set.Allows("servers!user=bob"))
	assert.False(t, set.Allows("admin:users"))
}

func TestUnion(t *testing.T) {
	a := MustNewSet("read:users")
	b := MustNewSet("servers!user")

	got := a.Union(b)
	assert.ElementsMatch(t, []string{"read:users", "servers!user"}, got.Slice())
	assert.ElementsMatch(t, []string{"read:users"}, a.Slice())
}
