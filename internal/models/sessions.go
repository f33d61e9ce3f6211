package models

import "time"

type Session struct {
	SessionID    string    `json:"session_id" db:"session_id"`
	CredentialID string    `json:"credential_id" db:"credential_id"`
	IPAddress    string    `json:"-" db:"ip_address"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
}

// Anonymous sessions exist only to anchor a CSRF secret before login.
func (s *Session) Anonymous() bool {
	return s.CredentialID == ""
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// CsrfSecret is the server-side verifier for one session's tokens.
type CsrfSecret struct {
	SessionID string    `db:"session_id"`
	Secret    []byte    `db:"secret"`
	CreatedAt time.Time `db:"created_at"`
}
