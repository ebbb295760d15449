package handler

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mw "github.com/edvin/notehub/internal/api/middleware"
	"github.com/edvin/notehub/internal/auth"
	"github.com/edvin/notehub/internal/core"
	"github.com/edvin/notehub/internal/spawn"
)

func newPagesFixture(sp *stubSpawner) (*Pages, *scriptDB, *spawn.Controller) {
	db := &scriptDB{}
	services := core.NewServices(db, core.Options{})
	controller := spawn.NewController(sp, &stubRoutes{}, services.Server, nil,
		spawn.Config{SpawnTimeout: 5 * time.Second, StopTimeout: 5 * time.Second}, zerolog.Nop())
	p := NewPages(auth.NewDummyAuthenticator("", []string{"admin"}),
		services.User, services.Server, services.Token, controller, time.Hour, 3)
	return p, db, controller
}

func findCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// --- safeNext ---

func TestSafeNext(t *testing.T) {
	assert.Equal(t, "/hub/home", safeNext(""))
	assert.Equal(t, "/hub/home", safeNext("https://evil.example/"))
	assert.Equal(t, "/hub/home", safeNext("//evil.example/"))
	assert.Equal(t, "/user/alice/", safeNext("/user/alice/"))
}

// --- parseUserPath ---

func TestParseUserPath(t *testing.T) {
	user, candidate, ok := parseUserPath("/user/alice/")
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Empty(t, candidate)

	user, candidate, ok = parseUserPath("/user/alice/gpu/lab/tree")
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "gpu", candidate)

	_, _, ok = parseUserPath("/user/")
	assert.False(t, ok)
}

// --- Login ---

func TestLoginForm_AlreadyAuthenticated(t *testing.T) {
	p, _, _ := newPagesFixture(&stubSpawner{})
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/hub/login?next=/user/alice/", nil)
	r = withIdentity(r, "alice", false)

	p.LoginForm(rec, r)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/user/alice/", rec.Header().Get("Location"))
}

func TestLogin_SetsSessionCookies(t *testing.T) {
	p, db, _ := newPagesFixture(&stubSpawner{})
	scriptUser(db, "u-alice", "alice", false)
	db.onQueryRow(`INSERT INTO api_tokens`, time.Now())

	rec := httptest.NewRecorder()
	r := newFormRequest("/hub/login", url.Values{"username": {"alice"}, "password": {""}})

	p.Login(rec, r)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/hub/home", rec.Header().Get("Location"))

	session := findCookie(t, rec, mw.SessionCookie)
	require.NotNil(t, session)
	assert.Equal(t, "/hub/", session.Path)
	assert.True(t, session.HttpOnly)
	assert.Contains(t, session.Value, "nh_")

	sessionID := findCookie(t, rec, mw.SessionIDCookie)
	require.NotNil(t, sessionID)
	assert.Equal(t, "/", sessionID.Path)
	assert.NotEmpty(t, sessionID.Value)
}

func TestLogin_WrongPassword(t *testing.T) {
	db := &scriptDB{}
	services := core.NewServices(db, core.Options{})
	controller := spawn.NewController(nil, nil, services.Server, nil, spawn.Config{}, zerolog.Nop())
	p := NewPages(auth.NewDummyAuthenticator("letmein", nil),
		services.User, services.Server, services.Token, controller, time.Hour, 3)

	rec := httptest.NewRecorder()
	r := newFormRequest("/hub/login", url.Values{"username": {"alice"}, "password": {"wrong"}})

	p.Login(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid username or password")
	assert.Nil(t, findCookie(t, rec, mw.SessionCookie))
}

// --- Logout ---

func TestLogout(t *testing.T) {
	p, db, _ := newPagesFixture(&stubSpawner{})
	db.onQuery(`DELETE FROM api_tokens WHERE session_id`, []any{"hash-1"})

	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/hub/logout", nil)
	r = withIdentity(r, "alice", false)

	p.Logout(rec, r)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/hub/login", rec.Header().Get("Location"))

	session := findCookie(t, rec, mw.SessionCookie)
	require.NotNil(t, session)
	assert.Less(t, session.MaxAge, 0, "session cookie is cleared")
}

// --- Home ---

func TestHome_Anonymous(t *testing.T) {
	p, _, _ := newPagesFixture(&stubSpawner{})
	rec := httptest.NewRecorder()

	p.Home(rec, newRequest(http.MethodGet, "/hub/home", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t,
		rec.Header().Get("Location") == "/hub/login?next="+url.QueryEscape("/hub/home"))
}

func TestHome_ShowsDefaultServerRow(t *testing.T) {
	p, db, _ := newPagesFixture(&stubSpawner{})
	scriptUser(db, "u-alice", "alice", false)

	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/hub/home", nil)
	r = withIdentity(r, "alice", false)

	p.Home(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "default")
	assert.Contains(t, rec.Body.String(), actionURL("spawn", "alice", ""))
}

// --- Spawn / StopServer ---

func TestPagesSpawn_ScopeDenied(t *testing.T) {
	p, _, _ := newPagesFixture(&stubSpawner{})
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/hub/spawn/bob", nil)
	r = withChiURLParams(r, map[string]string{"user": "bob", "server": ""})
	r = withIdentity(r, "alice", false, "servers!user=alice")

	p.Spawn(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPagesSpawn_RedirectsToPending(t *testing.T) {
	p, db, _ := newPagesFixture(&stubSpawner{hold: time.Hour})
	scriptUser(db, "u-alice", "alice", false)
	scriptServerRow(db)

	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/hub/spawn/alice", nil)
	r = withChiURLParams(r, map[string]string{"user": "alice", "server": ""})
	r = withIdentity(r, "alice", false, "servers!user=alice")

	p.Spawn(rec, r)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/hub/spawn-pending/alice", rec.Header().Get("Location"))
}

func TestPagesStop_RedirectsHome(t *testing.T) {
	p, db, controller := newPagesFixture(&stubSpawner{})
	scriptUser(db, "u-alice", "alice", false)
	scriptServerRow(db)

	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/hub/spawn/alice", nil)
	r = withChiURLParams(r, map[string]string{"user": "alice", "server": ""})
	r = withIdentity(r, "alice", false, "servers!user=alice")
	p.Spawn(rec, r)
	waitForReady(t, controller, "alice", "")

	rec = httptest.NewRecorder()
	r = newRequest(http.MethodPost, "/hub/stop/alice", nil)
	r = withChiURLParams(r, map[string]string{"user": "alice", "server": ""})
	r = withIdentity(r, "alice", false, "servers!user=alice")

	p.StopServer(rec, r)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/hub/home", rec.Header().Get("Location"))
}

// --- SpawnPending ---

func TestSpawnPending_ProgressURL(t *testing.T) {
	p, _, _ := newPagesFixture(&stubSpawner{})

	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/hub/spawn-pending/alice", nil)
	r = withChiURLParams(r, map[string]string{"user": "alice", "server": ""})
	r = withIdentity(r, "alice", false)
	p.SpawnPending(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/hub/api/users/alice/server/progress")

	rec = httptest.NewRecorder()
	r = newRequest(http.MethodGet, "/hub/spawn-pending/alice/gpu", nil)
	r = withChiURLParams(r, map[string]string{"user": "alice", "server": "gpu"})
	r = withIdentity(r, "alice", false)
	p.SpawnPending(rec, r)
	assert.Contains(t, rec.Body.String(), "/hub/api/users/alice/servers/gpu/progress")
}

// --- UserPath ---

func userPathRequest(path string) *http.Request {
	r := newRequest(http.MethodGet, path, nil)
	return withIdentity(r, "alice", false, "access:servers!user=alice")
}

func TestUserPath_Anonymous(t *testing.T) {
	p, _, _ := newPagesFixture(&stubSpawner{})
	rec := httptest.NewRecorder()

	p.UserPath(rec, newRequest(http.MethodGet, "/user/alice/lab/tree", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/hub/login?next="+url.QueryEscape("/user/alice/lab/tree"),
		rec.Header().Get("Location"))
}

func TestUserPath_NoAccessReadsAsNotFound(t *testing.T) {
	p, _, _ := newPagesFixture(&stubSpawner{})
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/user/bob/", nil)
	r = withIdentity(r, "alice", false, "access:servers!user=alice")

	p.UserPath(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserPath_StoppedServerHTML(t *testing.T) {
	p, _, _ := newPagesFixture(&stubSpawner{})
	rec := httptest.NewRecorder()

	p.UserPath(rec, userPathRequest("/user/alice/"))

	require.Equal(t, http.StatusFailedDependency, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), actionURL("spawn", "alice", ""))
}

func TestUserPath_StoppedServerJSON(t *testing.T) {
	p, _, _ := newPagesFixture(&stubSpawner{})
	rec := httptest.NewRecorder()
	r := userPathRequest("/user/alice/api/status")
	r.Header.Set("Accept", "application/json")

	p.UserPath(rec, r)

	require.Equal(t, http.StatusFailedDependency, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, rec.Body.String(), "not running")
}

func TestUserPath_PendingRedirects(t *testing.T) {
	p, db, _ := newPagesFixture(&stubSpawner{hold: time.Hour})
	scriptUser(db, "u-alice", "alice", false)
	scriptServerRow(db)

	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/hub/spawn/alice", nil)
	r = withChiURLParams(r, map[string]string{"user": "alice", "server": ""})
	r = withIdentity(r, "alice", false, "servers!user=alice")
	p.Spawn(rec, r)
	require.Equal(t, http.StatusFound, rec.Code)

	rec = httptest.NewRecorder()
	p.UserPath(rec, userPathRequest("/user/alice/"))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/hub/spawn-pending/alice", rec.Header().Get("Location"))
}

func TestUserPath_RunningRetriesAreBounded(t *testing.T) {
	p, db, controller := newPagesFixture(&stubSpawner{})
	scriptUser(db, "u-alice", "alice", false)
	scriptServerRow(db)

	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/hub/spawn/alice", nil)
	r = withChiURLParams(r, map[string]string{"user": "alice", "server": ""})
	r = withIdentity(r, "alice", false, "servers!user=alice")
	p.Spawn(rec, r)
	waitForReady(t, controller, "alice", "")

	// First visit: the route has not landed, so the page retries.
	rec = httptest.NewRecorder()
	p.UserPath(rec, userPathRequest("/user/alice/"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "notehub-retry=1")

	// Out of retries: fail loudly instead of looping.
	rec = httptest.NewRecorder()
	p.UserPath(rec, userPathRequest("/user/alice/?notehub-retry=3"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUserPath_NamedServerNeedsRecord(t *testing.T) {
	p, db, _ := newPagesFixture(&stubSpawner{})
	scriptUser(db, "u-alice", "alice", false)
	// No server row for "lab": the segment belongs to the default server's
	// path space, so the stopped default server answers.
	rec := httptest.NewRecorder()

	p.UserPath(rec, userPathRequest("/user/alice/lab"))

	require.Equal(t, http.StatusFailedDependency, rec.Code)
	assert.Contains(t, rec.Body.String(), actionURL("spawn", "alice", ""))
}
