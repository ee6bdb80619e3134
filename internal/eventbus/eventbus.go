// Package eventbus delivers row change events (insert/update) to subscribers
// filtered by table and predicate. Delivery is at-least-once; handlers must
// be idempotent. Events for the same row arrive in publish order.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
)

type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
)

const (
	TableCallSessions       = "call_sessions"
	TableMeetingInvitations = "meeting_invitations"
	TableNotifications      = "notifications"
)

// Event is one change to one row. Keys carries the filterable columns of the
// row so predicates never need to decode Row.
type Event struct {
	Table string            `json:"table"`
	Op    Operation         `json:"op"`
	Keys  map[string]string `json:"keys"`
	Row   json.RawMessage   `json:"row"`
}

func NewEvent(table string, op Operation, row interface{}, keys map[string]string) (Event, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	return Event{Table: table, Op: op, Keys: keys, Row: raw}, nil
}

func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Row, v)
}

type Predicate func(Event) bool

func All(Event) bool { return true }

func ColumnEquals(col, value string) Predicate {
	return func(e Event) bool {
		return e.Keys[col] == value
	}
}

// EitherColumnEquals matches rows where col1 or col2 equals value, used for
// call sessions addressed by either participant.
func EitherColumnEquals(col1, col2, value string) Predicate {
	return func(e Event) bool {
		return e.Keys[col1] == value || e.Keys[col2] == value
	}
}

type Subscription interface {
	Events() <-chan Event
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, table string, match Predicate) (Subscription, error)
}
