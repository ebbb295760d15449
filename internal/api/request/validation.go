package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// usernameRegex also covers server names; both end up in URL paths and
// routespecs, so slashes and dots are out.
var usernameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

func init() {
	validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernameRegex.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("servername", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || usernameRegex.MatchString(s)
	})
}

func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// ValidName reports whether s is usable as a user or server name segment.
func ValidName(s string) bool {
	return usernameRegex.MatchString(s)
}
