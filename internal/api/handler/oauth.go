package handler

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	mw "github.com/edvin/notehub/internal/api/middleware"
	"github.com/edvin/notehub/internal/api/response"
	"github.com/edvin/notehub/internal/core"
	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/scopes"
)

// OAuth implements the hub's internal OAuth2 provider: single-user servers
// and services send visiting browsers through /authorize and trade the
// resulting code for a token at /token.
type OAuth struct {
	oauth  *core.OAuthService
	users  *core.UserService
	tokens *core.TokenService
	// tokenTTL bounds access tokens minted through the code flow; zero
	// means no expiry.
	tokenTTL time.Duration
}

func NewOAuth(oauth *core.OAuthService, users *core.UserService, tokens *core.TokenService, tokenTTL time.Duration) *OAuth {
	return &OAuth{oauth: oauth, users: users, tokens: tokens, tokenTTL: tokenTTL}
}

type authorizeParams struct {
	client      *model.OAuthClient
	redirectURI string
	state       string
	scopes      []string
}

// parseAuthorize validates the query parameters shared by the GET and POST
// halves of the authorize flow.
func (h *OAuth) parseAuthorize(w http.ResponseWriter, r *http.Request) *authorizeParams {
	q := r.URL.Query()

	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		renderPage(w, http.StatusBadRequest, pageData{Title: "Authorization failed", Error: "unsupported response_type"})
		return nil
	}

	client, err := h.oauth.GetClient(r.Context(), q.Get("client_id"))
	if err != nil {
		renderPage(w, http.StatusBadRequest, pageData{Title: "Authorization failed", Error: "unknown client"})
		return nil
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		redirectURI = client.RedirectURI
	}
	// The redirect target must be exactly the registered one; no open
	// redirects through the authorize endpoint.
	if redirectURI != client.RedirectURI {
		renderPage(w, http.StatusBadRequest, pageData{Title: "Authorization failed", Error: "redirect_uri mismatch"})
		return nil
	}

	requested := strings.Fields(q.Get("scope"))
	if len(requested) == 0 {
		requested = client.AllowedScopes
	}
	granted, err := scopes.NewSet(requested...)
	if err != nil {
		renderPage(w, http.StatusBadRequest, pageData{Title: "Authorization failed", Error: "malformed scope"})
		return nil
	}
	if len(client.AllowedScopes) > 0 {
		allowed, err := scopes.NewSet(client.AllowedScopes...)
		if err == nil {
			granted = granted.Intersect(allowed)
		}
	}

	return &authorizeParams{
		client:      client,
		redirectURI: redirectURI,
		state:       q.Get("state"),
		scopes:      granted.Slice(),
	}
}

var consentTmpl = template.Must(template.New("consent").Parse(`
<p><b>{{.Client}}</b>{{if .Description}} ({{.Description}}){{end}} is requesting access to your account:</p>
<ul>{{range .Scopes}}<li><code>{{.}}</code></li>{{end}}</ul>
<form method="post" action="{{.Action}}">
<button name="_authorize" value="yes">Authorize</button>
<button name="_authorize" value="no">Deny</button>
</form>`))

// Authorize starts the code flow. Trusted clients and clients the user
// already granted skip the consent page.
func (h *OAuth) Authorize(w http.ResponseWriter, r *http.Request) {
	identity := mw.GetIdentity(r.Context())
	if identity == nil {
		http.Redirect(w, r, "/hub/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}

	p := h.parseAuthorize(w, r)
	if p == nil {
		return
	}

	u, err := h.users.GetByName(r.Context(), identity.Name)
	if err != nil {
		renderPage(w, http.StatusInternalServerError, pageData{Title: "Authorization failed", Error: "could not load your account"})
		return
	}

	if p.client.SkipConfirmation {
		h.issueAndRedirect(w, r, p, u, identity.Token.SessionID)
		return
	}
	if prior, err := h.oauth.HasPriorGrant(r.Context(), p.client.ClientID, u.ID); err == nil && prior {
		h.issueAndRedirect(w, r, p, u, identity.Token.SessionID)
		return
	}

	var body strings.Builder
	consentTmpl.Execute(&body, map[string]any{
		"Client":      p.client.ClientID,
		"Description": p.client.Description,
		"Scopes":      p.scopes,
		"Action":      template.HTMLEscapeString(r.URL.RequestURI()),
	})
	renderPage(w, http.StatusOK, pageData{Title: "Authorize access", Body: template.HTML(body.String())})
}

// AuthorizeDecision handles the consent form.
func (h *OAuth) AuthorizeDecision(w http.ResponseWriter, r *http.Request) {
	identity := mw.GetIdentity(r.Context())
	if identity == nil {
		http.Redirect(w, r, "/hub/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}

	p := h.parseAuthorize(w, r)
	if p == nil {
		return
	}

	if err := r.ParseForm(); err != nil || r.PostFormValue("_authorize") != "yes" {
		redirectWithError(w, r, p, "access_denied")
		return
	}

	u, err := h.users.GetByName(r.Context(), identity.Name)
	if err != nil {
		renderPage(w, http.StatusInternalServerError, pageData{Title: "Authorization failed", Error: "could not load your account"})
		return
	}
	h.issueAndRedirect(w, r, p, u, identity.Token.SessionID)
}

func (h *OAuth) issueAndRedirect(w http.ResponseWriter, r *http.Request, p *authorizeParams, u *model.User, sessionID string) {
	// Service clients register self-referencing scopes like
	// "read:users!user"; pin them to the user granting access.
	granted := p.scopes
	if set, err := scopes.NewSet(p.scopes...); err == nil {
		granted = set.ExpandSelf(scopes.Identity{User: u.Name}).Slice()
	}

	code, err := h.oauth.IssueCode(r.Context(), p.client.ClientID, u.ID, p.redirectURI, sessionID, granted)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("client_id", p.client.ClientID).Msg("issue authorization code")
		renderPage(w, http.StatusInternalServerError, pageData{Title: "Authorization failed", Error: "could not issue code"})
		return
	}

	target, _ := url.Parse(p.redirectURI)
	q := target.Query()
	q.Set("code", code)
	if p.state != "" {
		q.Set("state", p.state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func redirectWithError(w http.ResponseWriter, r *http.Request, p *authorizeParams, errCode string) {
	target, _ := url.Parse(p.redirectURI)
	q := target.Query()
	q.Set("error", errCode)
	if p.state != "" {
		q.Set("state", p.state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// Token trades an authorization code for an access token. Codes are
// single-use; a replayed or expired code is a hard 403.
func (h *OAuth) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		response.WriteError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	if gt := r.PostFormValue("grant_type"); gt != "authorization_code" {
		response.WriteError(w, http.StatusBadRequest, "unsupported grant_type")
		return
	}

	clientID, secret := r.PostFormValue("client_id"), r.PostFormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, secret = basicID, basicSecret
	}

	client, err := h.oauth.VerifyClientSecret(r.Context(), clientID, secret)
	if err != nil {
		response.WriteError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}

	code, err := h.oauth.RedeemCode(r.Context(), client.ClientID, r.PostFormValue("code"))
	if err != nil {
		if errors.Is(err, core.ErrCodeInvalid) {
			response.WriteError(w, http.StatusForbidden, err.Error())
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if uri := r.PostFormValue("redirect_uri"); uri != "" && uri != code.RedirectURI {
		response.WriteError(w, http.StatusForbidden, "redirect_uri mismatch")
		return
	}

	u, err := h.users.GetByID(r.Context(), code.UserID)
	if err != nil {
		response.WriteError(w, http.StatusForbidden, "user no longer exists")
		return
	}

	token, raw, err := h.tokens.Issue(r.Context(), core.IssueParams{
		User:            u,
		ClientID:        client.ClientID,
		RequestedScopes: code.Scopes,
		TTL:             h.tokenTTL,
		Note:            fmt.Sprintf("oauth via %s", client.ClientID),
		SessionID:       code.SessionID,
	})
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"access_token": raw,
		// The REST API expects "Authorization: token <v>"; advertise
		// that form rather than Bearer.
		"token_type": "token",
		"scope":      strings.Join(token.Scopes, " "),
	}
	if token.ExpiresAt != nil {
		resp["expires_in"] = int(time.Until(*token.ExpiresAt).Seconds())
	}
	w.Header().Set("Cache-Control", "no-store")
	response.WriteJSON(w, http.StatusOK, resp)
}
