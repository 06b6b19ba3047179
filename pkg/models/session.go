package models

import "time"

// SharedSession is an ephemeral pairwise collaboration session between two
// accounts working in the same workspace.
type SharedSession struct {
	ID          string           `json:"id"`
	Initiator   string           `json:"initiator"`
	Participant string           `json:"participant"`
	Workspace   string           `json:"workspace"`
	StartedAt   time.Time        `json:"started_at"`
	Active      bool             `json:"active"`
	Joined      bool             `json:"joined"`
	LastPing    map[string]int64 `json:"last_ping"` // account → epoch ms
}

// SessionUpdate is one entry in a shared session's update ring.
type SessionUpdate struct {
	From      string    `json:"from"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}
