package request

// CreateToken requests a new API token for the authenticated principal.
// Empty Scopes means "everything I hold"; ExpiresIn of zero means no expiry.
type CreateToken struct {
	Scopes    []string `json:"scopes"`
	Note      string   `json:"note" validate:"max=256"`
	ExpiresIn int      `json:"expires_in" validate:"min=0"` // seconds
}
