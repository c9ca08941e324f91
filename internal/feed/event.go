// Package feed turns a document store's push-style change notifications into
// typed domain events. The feed is a hint: events may be dropped or arrive
// out of order across topics, and listeners must reconcile with pull fetches.
package feed

import (
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
)

// RawEvent is the wire shape of one change notification.
type RawEvent struct {
	Events    []string        `json:"events"`
	Channels  []string        `json:"channels"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Topic names the change stream of one collection.
func Topic(databaseID, collection string) string {
	return "databases." + databaseID + ".collections." + collection + ".documents"
}

// EventName is the fully qualified name of one document mutation.
func EventName(databaseID, collection, documentID string, op domain.Operation) string {
	return Topic(databaseID, collection) + "." + documentID + "." + string(op)
}

func NewRawEvent(databaseID, collection, documentID string, op domain.Operation, payload []byte, at time.Time) RawEvent {
	return RawEvent{
		Events: []string{
			EventName(databaseID, collection, documentID, op),
			"databases.*.collections.*.documents.*." + string(op),
		},
		Channels:  []string{Topic(databaseID, collection)},
		Timestamp: at.UTC(),
		Payload:   payload,
	}
}

// Operation reports the mutation kind by substring match on the event names.
func (e RawEvent) Operation() (domain.Operation, bool) {
	for _, name := range e.Events {
		switch {
		case strings.HasSuffix(name, ".create") || strings.Contains(name, ".create."):
			return domain.OpCreate, true
		case strings.HasSuffix(name, ".update") || strings.Contains(name, ".update."):
			return domain.OpUpdate, true
		}
	}
	return "", false
}

// Collection extracts the collection id from the first qualified event name
// or channel.
func (e RawEvent) Collection() string {
	for _, name := range append(append([]string{}, e.Events...), e.Channels...) {
		parts := strings.Split(name, ".")
		for i := 0; i+1 < len(parts); i++ {
			if parts[i] == "collections" && parts[i+1] != "*" {
				return parts[i+1]
			}
		}
	}
	return ""
}

// Key identifies a delivery for duplicate suppression.
func (e RawEvent) Key() string {
	if len(e.Events) == 0 {
		return ""
	}
	return e.Events[0] + "@" + e.Timestamp.Format(time.RFC3339Nano)
}

// MatchTopic reports whether topic matches a glob pattern such as
// "databases.*.collections.calls.documents".
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}
