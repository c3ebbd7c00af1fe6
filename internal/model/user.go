package model

// User represents a platform user. Email is stored lowercased and unique.
type User struct {
	ID                string            `json:"id"`
	Email             string            `json:"email"`
	Plan              string            `json:"plan"`
	NotificationPrefs map[string]bool   `json:"notificationPrefs,omitempty"`
	AuthProvider      string            `json:"authProvider"` // "legacy" or "clerk"
	ExternalAuthID    *string           `json:"externalAuthId,omitempty"`
}
