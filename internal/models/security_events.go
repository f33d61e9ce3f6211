package models

import "time"

type SecurityEventType string

const (
	EventRegistered      SecurityEventType = "registered"
	EventLoginSucceeded  SecurityEventType = "login_succeeded"
	EventLoginFailed     SecurityEventType = "login_failed"
	EventLockout         SecurityEventType = "lockout"
	EventPasswordChanged SecurityEventType = "password_changed"
	EventAccountDeleted  SecurityEventType = "account_deleted"
	EventCsrfRejected    SecurityEventType = "csrf_rejected"
	EventIntegrityFault  SecurityEventType = "integrity_fault"
)

type SecurityEvent struct {
	EventID      string            `json:"event_id"`
	EventType    SecurityEventType `json:"event_type"`
	EventTime    time.Time         `json:"event_time"`
	CredentialID string            `json:"credential_id,omitempty"`
	Identity     string            `json:"identity,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}
