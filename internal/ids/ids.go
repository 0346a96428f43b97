// Package ids mints and validates the three typed identifier kinds used
// throughout the broker: sessions, tool calls, and opaque artifact
// references.
package ids

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	sessionPrefix   = "s_"
	callPrefix      = "c_"
	referencePrefix = "ref_"
)

var (
	sessionPattern   = regexp.MustCompile(`^s_[A-Za-z0-9_-]+$`)
	callPattern      = regexp.MustCompile(`^c_[A-Za-z0-9_-]+$`)
	referencePattern = regexp.MustCompile(`^ref_[0-9a-f-]+$`)
)

// NewSessionID mints a globally-unique session identifier.
func NewSessionID() string { return sessionPrefix + uuid.NewString() }

// NewCallID mints a globally-unique tool-call identifier.
func NewCallID() string { return callPrefix + uuid.NewString() }

// NewReferenceID mints a globally-unique artifact-reference identifier.
func NewReferenceID() string { return referencePrefix + uuid.NewString() }

// IsSessionID is a pure prefix-and-shape check, not an existence check.
func IsSessionID(s string) bool { return sessionPattern.MatchString(s) }

// IsCallID is a pure prefix-and-shape check, not an existence check.
func IsCallID(s string) bool { return callPattern.MatchString(s) }

// IsReferenceID is a pure prefix-and-shape check, not an existence check.
func IsReferenceID(s string) bool { return referencePattern.MatchString(s) }

// StripSessionPrefix returns the suffix after "s_", or the input unchanged
// if it does not carry the prefix.
func StripSessionPrefix(s string) string { return strings.TrimPrefix(s, sessionPrefix) }
