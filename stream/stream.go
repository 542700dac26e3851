// Package stream implements the client side of the backend's status
// event stream: a Server-Sent Events consumer that maintains one live
// connection per subscription key, attaches the bearer token and resume
// cursor to the connection URL, and delivers inbound frames and
// transport errors over channels.
package stream

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/huanidz/flowuni-sub000/cursor"
)

// Kind is the event kind tag of an inbound stream frame.
type Kind string

const (
	// KindUpdate is a bare status update frame.
	KindUpdate Kind = "UPDATE"

	// KindDone signals completion of a task-scoped stream.
	KindDone Kind = "DONE"

	// KindError is a server-reported protocol error.
	KindError Kind = "ERROR"

	// KindUserEvent wraps an application event whose payload is selected
	// by its event_type tag.
	KindUserEvent Kind = "USER_EVENT"
)

// Message is one inbound stream frame: its declared kind, its stream
// position id when the server included one, and the raw data payload.
type Message struct {
	Kind Kind
	ID   string
	Data json.RawMessage
}

// SubscriptionScope selects which stream endpoint a subscription
// attaches to. The resume-cursor query parameter differs per scope.
type SubscriptionScope string

const (
	// ScopeUser subscribes to all events for one authenticated user.
	// Resumes via the "since_id" parameter.
	ScopeUser SubscriptionScope = "users"

	// ScopeTask subscribes to the events of a single outstanding task.
	// Resumes via the "since" parameter.
	ScopeTask SubscriptionScope = "tasks"
)

// SubscriptionKey identifies one logical subscriber.
type SubscriptionKey struct {
	Scope SubscriptionScope
	ID    string
}

// UserKey returns the subscription key for a user-scoped stream.
func UserKey(userID string) SubscriptionKey {
	return SubscriptionKey{Scope: ScopeUser, ID: userID}
}

// TaskKey returns the subscription key for a task-scoped stream.
func TaskKey(taskID string) SubscriptionKey {
	return SubscriptionKey{Scope: ScopeTask, ID: taskID}
}

// cursorParam is the query parameter name carrying the resume cursor
// for this scope.
func (k SubscriptionKey) cursorParam() string {
	if k.Scope == ScopeTask {
		return "since"
	}
	return "since_id"
}

// Endpoint builds the full connection URL for a subscription: base URL
// plus scope path segment, the token, and the resume cursor. The cursor
// parameter is omitted entirely when resuming from the beginning.
func Endpoint(baseURL, token string, key SubscriptionKey, resumeCursor string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	u = u.JoinPath("api", "stream", string(key.Scope), key.ID)

	q := u.Query()
	q.Set("token", token)
	if resumeCursor != "" && resumeCursor != cursor.Beginning {
		q.Set(key.cursorParam(), resumeCursor)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// errorPayload is the data shape of a KindError frame.
type errorPayload struct {
	Error string `json:"error"`
}

// IsInvalidCursor reports whether msg is the server's signal that the
// presented resume cursor is not a valid stream position. This is the
// one protocol error that triggers an explicit reconnect (cursor reset
// to the beginning, close, re-dial); every other transport or protocol
// failure is left to the connection's own retry.
func IsInvalidCursor(msg Message) bool {
	if msg.Kind != KindError {
		return false
	}

	text := string(msg.Data)
	var p errorPayload
	if err := json.Unmarshal(msg.Data, &p); err == nil && p.Error != "" {
		text = p.Error
	}

	return strings.Contains(strings.ToLower(text), "invalid stream id")
}
