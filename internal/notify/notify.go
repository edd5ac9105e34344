// Package notify announces queue changes to interested runners so they can
// poll right away instead of waiting out their backoff. Delivery is
// best-effort; the job store stays the source of truth.
package notify

import (
	"context"
	"time"
)

const (
	EventJobAdded   = "job.added"
	EventJobClaimed = "job.claimed"
)

type Event struct {
	Type    string    `json:"type"`
	Project string    `json:"project"`
	JobID   int64     `json:"job_id"`
	Runner  string    `json:"runner,omitempty"`
	At      time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
