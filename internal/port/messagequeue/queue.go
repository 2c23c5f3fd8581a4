// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Queue is the port interface for publishing messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close shuts down the queue connection.
	Close() error
}

// DefaultSubjectPrefix is the root token for relayed agent events.
const DefaultSubjectPrefix = "companion"

// EventSubject builds "<prefix>.<session>.events.<kind>".
func EventSubject(prefix, sessionID, kindToken string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + sessionID + ".events." + kindToken
}
