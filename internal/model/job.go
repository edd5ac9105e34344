package model

import (
	"encoding/json"
	"time"
)

type State string

const (
	StatePending State = "pending"
	StateClaimed State = "claimed"
)

func (s State) Valid() bool {
	return s == StatePending || s == StateClaimed
}

type Job struct {
	ID      int64           `json:"id"`
	Project string          `json:"project"`
	State   State           `json:"state"`
	Payload json.RawMessage `json:"payload"`

	ClaimedBy string `json:"claimed_by,omitempty"`
	// Token is handed to the claiming runner only; listings never carry it.
	Token string `json:"token,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// Clone returns a deep copy so callers can't mutate store-owned records.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		cp.ClaimedAt = &t
	}
	return &cp
}

// Public strips the claim token.
func (j *Job) Public() *Job {
	cp := j.Clone()
	if cp != nil {
		cp.Token = ""
	}
	return cp
}

// Less orders jobs FIFO: oldest first, ties broken by id.
func Less(a, b *Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
