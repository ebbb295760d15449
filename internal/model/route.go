package model

import "time"

// RouteData is the opaque payload attached to a proxy route. The hub stores
// enough to map a route back to the server it fronts during reconciliation.
type RouteData struct {
	User         string     `json:"user,omitempty"`
	ServerName   string     `json:"server_name,omitempty"`
	Hub          bool       `json:"hub,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// RouteInfo is one entry in the proxy routing table. RouteSpec is normalized
// with a trailing slash and may carry a leading host segment
// ("host.example.com/path/").
type RouteInfo struct {
	RouteSpec string    `json:"routespec"`
	Target    string    `json:"target"`
	Data      RouteData `json:"data"`
}
