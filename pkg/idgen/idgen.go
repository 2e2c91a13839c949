// Package idgen generates identifiers for requests, runs and browser profiles.
package idgen

import "github.com/rs/xid"

// NewID returns a 20-character, sortable, URL-safe unique id
func NewID() string {
	return xid.New().String()
}

// NewRequestID generates an id for request tracking
func NewRequestID() string {
	return NewID()
}

// NewSessionID generates an id for a browser session; it names the
// session's profile directory so concurrent launches never share one.
func NewSessionID() string {
	return "sess-" + NewID()
}
