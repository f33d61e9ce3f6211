package models

import "time"

// FailedAttempt is one entry in a source's failed-attempt log.
type FailedAttempt struct {
	Bucket    int       `db:"bucket"`
	SourceID  string    `db:"source_id"`
	IPAddress string    `db:"ip_address"`
	Email     string    `db:"email"`
	AttemptAt time.Time `db:"attempt_at"`
}

// LockState is derived from the in-window failure count, never stored.
type LockState string

const (
	LockStateClear        LockState = "clear"
	LockStateAccumulating LockState = "accumulating"
	LockStateLocked       LockState = "locked"
)
