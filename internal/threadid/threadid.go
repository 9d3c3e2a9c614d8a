// ABOUTME: Reversible thread identity codec of the form <platform>:<primary>[:<b64url sub>]
// ABOUTME: Primaries containing ':' are written as ~<b64url primary> so ids always split cleanly

package threadid

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const separator = ":"

// escaped marks a plain-codec primary scope that was base64url-encoded
// because it contains the separator or itself starts with the marker.
const escaped = "~"

// ErrMalformedIdentity is matched by every decode failure.
var ErrMalformedIdentity = errors.New("malformed thread identity")

// MalformedIdentityError describes why a thread id could not be decoded.
type MalformedIdentityError struct {
	ID     string
	Reason string
}

func (e *MalformedIdentityError) Error() string {
	return fmt.Sprintf("malformed thread identity %q: %s", e.ID, e.Reason)
}

// Is reports ErrMalformedIdentity as the sentinel for all decode failures.
func (e *MalformedIdentityError) Is(target error) bool {
	return target == ErrMalformedIdentity
}

// Scope is the decoded form of a thread identity.
type Scope struct {
	// Primary is the backend's flat container id (space, channel, room, chat).
	Primary string
	// Sub narrows the scope to one thread inside the container. Empty means
	// the whole container.
	Sub string
}

var encoding = base64.RawURLEncoding.Strict()

// Codec encodes and decodes thread ids for a single platform.
type Codec struct {
	Platform string
	// EncodePrimary base64url-encodes the primary scope as well. Backends
	// whose container ids contain the separator (Matrix room ids) need it.
	EncodePrimary bool
}

// Encode renders a scope as an opaque thread id.
func (c Codec) Encode(s Scope) string {
	primary := s.Primary
	switch {
	case c.EncodePrimary:
		primary = encoding.EncodeToString([]byte(primary))
	case needsEscape(primary):
		primary = escaped + encoding.EncodeToString([]byte(primary))
	}
	id := c.Platform + separator + primary
	if s.Sub != "" {
		id += separator + encoding.EncodeToString([]byte(s.Sub))
	}
	return id
}

// Decode parses a thread id produced by Encode.
func (c Codec) Decode(id string) (Scope, error) {
	prefix := c.Platform + separator
	if c.Platform == "" || !strings.HasPrefix(id, prefix) {
		return Scope{}, &MalformedIdentityError{ID: id, Reason: fmt.Sprintf("missing %q prefix", prefix)}
	}

	parts := strings.Split(id, separator)
	if len(parts) < 2 {
		return Scope{}, &MalformedIdentityError{ID: id, Reason: "too few segments"}
	}
	if len(parts) > 3 {
		return Scope{}, &MalformedIdentityError{ID: id, Reason: "too many segments"}
	}

	primary := parts[1]
	if primary == "" {
		return Scope{}, &MalformedIdentityError{ID: id, Reason: "empty primary scope"}
	}
	switch {
	case c.EncodePrimary:
		raw, err := encoding.DecodeString(primary)
		if err != nil || len(raw) == 0 {
			return Scope{}, &MalformedIdentityError{ID: id, Reason: "primary scope is not base64url"}
		}
		primary = string(raw)
	case strings.HasPrefix(primary, escaped):
		raw, err := encoding.DecodeString(primary[len(escaped):])
		if err != nil || len(raw) == 0 {
			return Scope{}, &MalformedIdentityError{ID: id, Reason: "escaped primary scope is not base64url"}
		}
		// Only one spelling per scope, so re-encoding gives back id.
		if !needsEscape(string(raw)) {
			return Scope{}, &MalformedIdentityError{ID: id, Reason: "primary scope escaped without need"}
		}
		primary = string(raw)
	}

	var sub string
	if len(parts) == 3 {
		raw, err := encoding.DecodeString(parts[2])
		if err != nil || len(raw) == 0 {
			return Scope{}, &MalformedIdentityError{ID: id, Reason: "sub scope is not base64url"}
		}
		sub = string(raw)
	}

	return Scope{Primary: primary, Sub: sub}, nil
}

func needsEscape(primary string) bool {
	return strings.Contains(primary, separator) || strings.HasPrefix(primary, escaped)
}

// Channel returns the container-level thread id for id, dropping any sub scope.
func (c Codec) Channel(id string) (string, error) {
	s, err := c.Decode(id)
	if err != nil {
		return "", err
	}
	return c.Encode(Scope{Primary: s.Primary}), nil
}

// Platform returns the platform prefix of a thread id, or "" if it has none.
func Platform(id string) string {
	p, _, ok := strings.Cut(id, separator)
	if !ok {
		return ""
	}
	return p
}
