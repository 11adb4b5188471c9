package domain

import (
	"database/sql"
	"strings"
)

const (
	PermissionUpdates       = "utility:updates"
	PermissionProjectConfig = "utility:project-config"
)

type User struct {
	ID            int64          `json:"id"`
	Username      string         `json:"username"`
	Password      string         `json:"-"`
	SessionID     sql.NullString `json:"-"`
	ApiKey        sql.NullString `json:"-"`
	SessionExpiry sql.NullTime   `json:"sessionExpiry"`
	Created       sql.NullTime   `json:"created"`
	Enabled       sql.NullBool   `json:"enabled"`
	Admin         bool           `json:"admin"`
	Permissions   string         `json:"permissions"` // comma separated
}

// HasPermission reports whether the user may perform actions guarded by permission.
// Admins hold every permission, an empty permission is always granted.
func (u *User) HasPermission(permission string) bool {
	if permission == "" {
		return true
	}
	if u == nil || (u.Enabled.Valid && !u.Enabled.Bool) {
		return false
	}
	if u.Admin {
		return true
	}
	for _, p := range strings.Split(u.Permissions, ",") {
		if strings.EqualFold(strings.TrimSpace(p), permission) {
			return true
		}
	}
	return false
}
