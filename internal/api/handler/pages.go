package handler

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	mw "github.com/edvin/notehub/internal/api/middleware"
	"github.com/edvin/notehub/internal/auth"
	"github.com/edvin/notehub/internal/core"
	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/platform"
	"github.com/edvin/notehub/internal/spawn"
)

// Pages serves the hub's server-rendered HTML: login, home, the
// spawn-pending progress page, and the /user/ path façade that catches
// traffic for servers with no live route.
type Pages struct {
	authenticator auth.Authenticator
	users         *core.UserService
	servers       *core.ServerService
	tokens        *core.TokenService
	controller    *spawn.Controller
	cookieMaxAge  time.Duration
	retryMax      int
}

func NewPages(authenticator auth.Authenticator, users *core.UserService, servers *core.ServerService,
	tokens *core.TokenService, controller *spawn.Controller, cookieMaxAge time.Duration, retryMax int) *Pages {
	return &Pages{
		authenticator: authenticator,
		users:         users,
		servers:       servers,
		tokens:        tokens,
		controller:    controller,
		cookieMaxAge:  cookieMaxAge,
		retryMax:      retryMax,
	}
}

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}} - notehub</title></head>
<body>
<h1>{{.Title}}</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
{{.Body}}
</body>
</html>`))

type pageData struct {
	Title string
	Error string
	Body  template.HTML
}

func renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	pageTmpl.Execute(w, data)
}

// actionURL builds "/hub/<verb>/<user>[/<server>]".
func actionURL(verb, user, serverName string) string {
	p := "/hub/" + verb + "/" + url.PathEscape(user)
	if serverName != "" {
		p += "/" + url.PathEscape(serverName)
	}
	return p
}

// pendingURL is the progress page path for (user, serverName).
func pendingURL(user, serverName string) string {
	if serverName == "" {
		return "/hub/spawn-pending/" + url.PathEscape(user)
	}
	return "/hub/spawn-pending/" + url.PathEscape(user) + "/" + url.PathEscape(serverName)
}

// safeNext only allows same-origin relative redirect targets.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/hub/home"
	}
	return next
}

var loginFormTmpl = template.Must(template.New("login").Parse(`
<form method="post" action="/hub/login?next={{.Next}}">
<label>Username <input name="username" autofocus></label><br>
<label>Password <input name="password" type="password"></label><br>
<button type="submit">Sign in</button>
</form>`))

// LoginForm renders the login page, or bounces straight to next when a
// valid session is already present.
func (h *Pages) LoginForm(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	if mw.GetIdentity(r.Context()) != nil {
		http.Redirect(w, r, next, http.StatusFound)
		return
	}
	h.renderLogin(w, http.StatusOK, next, "")
}

func (h *Pages) renderLogin(w http.ResponseWriter, status int, next, errMsg string) {
	var body strings.Builder
	loginFormTmpl.Execute(&body, map[string]string{"Next": url.QueryEscape(next)})
	renderPage(w, status, pageData{Title: "Sign in", Error: errMsg, Body: template.HTML(body.String())})
}

// Login authenticates the submitted credentials, provisions the user on
// first sight, and starts a browser session: a session-typed API token in
// the session cookie plus a session id shared with issued OAuth tokens.
func (h *Pages) Login(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	if err := r.ParseForm(); err != nil {
		h.renderLogin(w, http.StatusBadRequest, next, "malformed form")
		return
	}

	info, err := h.authenticator.Authenticate(r.Context(), auth.Credentials{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.renderLogin(w, http.StatusUnauthorized, next, "Invalid username or password")
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("authenticator failed")
		h.renderLogin(w, http.StatusInternalServerError, next, "Login is temporarily unavailable")
		return
	}

	u, err := h.users.GetOrCreate(r.Context(), info.Name, info.Admin)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("provision user on login")
		h.renderLogin(w, http.StatusInternalServerError, next, "Login is temporarily unavailable")
		return
	}

	sessionID := platform.NewID()
	_, raw, err := h.tokens.Issue(r.Context(), core.IssueParams{
		User:      u,
		TTL:       h.cookieMaxAge,
		Note:      "browser session",
		SessionID: sessionID,
	})
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("issue session token")
		h.renderLogin(w, http.StatusInternalServerError, next, "Login is temporarily unavailable")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     mw.SessionCookie,
		Value:    raw,
		Path:     "/hub/",
		MaxAge:   int(h.cookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     mw.SessionIDCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, next, http.StatusFound)
}

// Logout revokes every token of the browser session, including OAuth
// tokens backends cached against the session id, and clears the cookies.
func (h *Pages) Logout(w http.ResponseWriter, r *http.Request) {
	if identity := mw.GetIdentity(r.Context()); identity != nil && identity.Token.SessionID != "" {
		if err := h.tokens.RevokeSession(r.Context(), identity.Token.SessionID); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("revoke session tokens on logout")
		}
	}

	http.SetCookie(w, &http.Cookie{Name: mw.SessionCookie, Value: "", Path: "/hub/", MaxAge: -1, HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: mw.SessionIDCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	http.Redirect(w, r, "/hub/login", http.StatusFound)
}

// Home lists the user's servers with start and stop controls.
func (h *Pages) Home(w http.ResponseWriter, r *http.Request) {
	identity := mw.GetIdentity(r.Context())
	if identity == nil {
		http.Redirect(w, r, "/hub/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}

	u, err := h.users.GetByName(r.Context(), identity.Name)
	if err != nil {
		renderPage(w, http.StatusInternalServerError, pageData{Title: "Error", Error: "could not load your account"})
		return
	}

	rows, _ := h.servers.ListByUser(r.Context(), u.ID)
	seen := map[string]bool{}
	var body strings.Builder
	fmt.Fprintf(&body, "<p>Signed in as <b>%s</b>. <a href=\"/hub/logout\">Sign out</a></p><ul>", template.HTMLEscapeString(u.Name))
	writeServerRow := func(name string) {
		state, serverURL, _ := h.controller.State(u.Name, name)
		label := name
		if label == "" {
			label = "default"
		}
		fmt.Fprintf(&body, "<li><b>%s</b>: %s ", template.HTMLEscapeString(label), state)
		switch state {
		case model.StateRunning:
			fmt.Fprintf(&body, `<a href="%s">open</a> <form method="post" action="%s"><button>stop</button></form>`,
				serverURL, actionURL("stop", u.Name, name))
		case model.StateSpawnPending, model.StateStopPending:
			fmt.Fprintf(&body, `<a href="%s">progress</a>`, pendingURL(u.Name, name))
		default:
			fmt.Fprintf(&body, `<form method="post" action="%s"><button>start</button></form>`,
				actionURL("spawn", u.Name, name))
		}
		body.WriteString("</li>")
	}
	writeServerRow("")
	seen[""] = true
	for _, row := range rows {
		if !seen[row.Name] {
			writeServerRow(row.Name)
			seen[row.Name] = true
		}
	}
	body.WriteString("</ul>")

	renderPage(w, http.StatusOK, pageData{Title: "Home", Body: template.HTML(body.String())})
}

// Spawn is the browser-facing start: POST only, so links and prefetchers
// can never trigger a spawn.
func (h *Pages) Spawn(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	serverName := chi.URLParam(r, "server")

	identity := mw.GetIdentity(r.Context())
	if identity == nil {
		http.Redirect(w, r, "/hub/login?next="+url.QueryEscape("/hub/home"), http.StatusFound)
		return
	}
	if !mw.HasScope(identity, "servers!server="+serverScope(user, serverName)) {
		renderPage(w, http.StatusForbidden, pageData{Title: "Forbidden", Error: "you may not start this server"})
		return
	}

	u, err := h.users.GetByName(r.Context(), user)
	if err != nil {
		renderPage(w, http.StatusNotFound, pageData{Title: "Not found", Error: "no such user"})
		return
	}

	state, err := h.controller.Start(r.Context(), u, serverName, nil)
	switch {
	case errors.Is(err, spawn.ErrOverCapacity):
		renderPage(w, http.StatusTooManyRequests, pageData{Title: "Busy", Error: err.Error()})
		return
	case errors.Is(err, spawn.ErrStopPending):
		renderPage(w, http.StatusConflict, pageData{Title: "Stopping", Error: err.Error()})
		return
	case err != nil:
		renderPage(w, http.StatusInternalServerError, pageData{Title: "Error", Error: err.Error()})
		return
	}

	if state == model.StateRunning {
		http.Redirect(w, r, spawn.ServerPrefix(user, serverName), http.StatusFound)
		return
	}
	http.Redirect(w, r, pendingURL(user, serverName), http.StatusFound)
}

// StopServer is the browser-facing stop.
func (h *Pages) StopServer(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	serverName := chi.URLParam(r, "server")

	identity := mw.GetIdentity(r.Context())
	if identity == nil {
		http.Redirect(w, r, "/hub/login?next="+url.QueryEscape("/hub/home"), http.StatusFound)
		return
	}
	if !mw.HasScope(identity, "servers!server="+serverScope(user, serverName)) {
		renderPage(w, http.StatusForbidden, pageData{Title: "Forbidden", Error: "you may not stop this server"})
		return
	}

	if _, err := h.controller.Stop(r.Context(), user, serverName); err != nil {
		renderPage(w, http.StatusInternalServerError, pageData{Title: "Error", Error: err.Error()})
		return
	}
	http.Redirect(w, r, "/hub/home", http.StatusFound)
}

var spawnPendingTmpl = template.Must(template.New("pending").Parse(`
<p id="msg">Waiting for your server...</p>
<progress id="bar" max="100" value="0"></progress>
<script>
const src = new EventSource("{{.ProgressURL}}");
src.onmessage = (e) => {
  const ev = JSON.parse(e.data);
  document.getElementById("bar").value = ev.progress;
  document.getElementById("msg").textContent = ev.message;
  if (ev.ready) { src.close(); window.location = ev.url; }
  if (ev.failed) { src.close(); }
};
</script>`))

// SpawnPending renders the progress page that follows a spawn via SSE.
func (h *Pages) SpawnPending(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	serverName := chi.URLParam(r, "server")

	identity := mw.GetIdentity(r.Context())
	if identity == nil {
		http.Redirect(w, r, "/hub/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}

	progressURL := "/hub/api/users/" + url.PathEscape(user) + "/server/progress"
	if serverName != "" {
		progressURL = "/hub/api/users/" + url.PathEscape(user) + "/servers/" + url.PathEscape(serverName) + "/progress"
	}

	var body strings.Builder
	spawnPendingTmpl.Execute(&body, map[string]string{"ProgressURL": progressURL})
	renderPage(w, http.StatusOK, pageData{Title: "Starting server", Body: template.HTML(body.String())})
}

// UserPath catches /user/... traffic that matched no proxy route and walks
// the visitor through getting the server up, or tells an API client why it
// cannot be reached.
func (h *Pages) UserPath(w http.ResponseWriter, r *http.Request) {
	user, candidate, ok := parseUserPath(r.URL.Path)
	if !ok {
		renderPage(w, http.StatusNotFound, pageData{Title: "Not found"})
		return
	}

	identity := mw.GetIdentity(r.Context())
	if identity == nil {
		http.Redirect(w, r, "/hub/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}

	// "/user/alice/gpu/..." is the named server gpu only when such a
	// server record exists; otherwise the segment belongs to the default
	// server's own path space (e.g. "/user/alice/lab").
	serverName := ""
	if candidate != "" {
		if u, err := h.users.GetByName(r.Context(), user); err == nil {
			if _, err := h.servers.Get(r.Context(), u.ID, candidate); err == nil {
				serverName = candidate
			}
		}
	}
	// No access scope reads as "does not exist", not "forbidden".
	if !mw.HasScope(identity, "access:servers!server="+serverScope(user, serverName)) {
		renderPage(w, http.StatusNotFound, pageData{Title: "Not found"})
		return
	}

	state, _, failReason := h.controller.State(user, serverName)
	switch state {
	case model.StateSpawnPending, model.StateStopPending:
		http.Redirect(w, r, pendingURL(user, serverName), http.StatusFound)

	case model.StateRunning:
		// The server is up but its route has not landed yet. Retry a
		// bounded number of times, then give up loudly instead of looping.
		attempt, _ := strconv.Atoi(r.URL.Query().Get("notehub-retry"))
		if attempt >= h.retryMax {
			renderPage(w, http.StatusServiceUnavailable, pageData{
				Title: "Server unreachable",
				Error: "the server is running but traffic is not reaching it yet; try again shortly",
			})
			return
		}
		q := r.URL.Query()
		q.Set("notehub-retry", strconv.Itoa(attempt+1))
		target := r.URL.Path + "?" + q.Encode()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `<!DOCTYPE html><html><head><meta http-equiv="refresh" content="1;url=%s"></head><body>Connecting to your server...</body></html>`,
			template.HTMLEscapeString(target))

	default:
		if wantsJSON(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusFailedDependency)
			fmt.Fprintf(w, `{"error":"server %s is not running"}`, serverScope(user, serverName))
			return
		}
		var body strings.Builder
		fmt.Fprintf(&body, `<p>This server is not running.</p><form method="post" action="%s"><button>Start it</button></form>`,
			actionURL("spawn", user, serverName))
		renderPage(w, http.StatusFailedDependency, pageData{Title: "Server not running", Error: failReason, Body: template.HTML(body.String())})
	}
}

// parseUserPath splits "/user/<name>[/<segment>/...]" into the user name
// and the first following segment, which may or may not name a server.
func parseUserPath(path string) (user, candidate string, ok bool) {
	rest, found := strings.CutPrefix(path, "/user/")
	if !found || rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if parts[0] == "" {
		return "", "", false
	}
	if len(parts) >= 2 {
		candidate = parts[1]
	}
	return parts[0], candidate, true
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
