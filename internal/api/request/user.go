package request

// CreateUser is the admin API payload for creating a user.
type CreateUser struct {
	Name  string `json:"name" validate:"required,username"`
	Admin bool   `json:"admin"`
}

// UpdateUser toggles the admin flag.
type UpdateUser struct {
	Admin *bool `json:"admin" validate:"required"`
}

// PostActivity is the backend-reported activity payload.
type PostActivity struct {
	LastActivity string                    `json:"last_activity,omitempty"`
	Servers      map[string]ServerActivity `json:"servers,omitempty"`
}

// ServerActivity reports one server's last activity timestamp, RFC 3339.
type ServerActivity struct {
	LastActivity string `json:"last_activity" validate:"required"`
}
