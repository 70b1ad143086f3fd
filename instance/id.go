package instance

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrIDExhausted is returned when short-id allocation keeps colliding with
// existing instances. With an 8-hex id space this indicates either a very
// large instance population or a broken random source.
var ErrIDExhausted = errors.New("instance id allocation exhausted retries")

// idAllocRetries bounds re-draws on local short-id collision.
const idAllocRetries = 5

var idPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)

// NewID draws a fresh 8-hex-character instance id: the leading short form
// of a random 128-bit UUID.
func NewID() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")[:8]
}

// AllocateID draws ids until one does not collide locally, re-drawing at
// most a bounded number of times before failing with ErrIDExhausted.
// The exists callback reports whether an id is already taken.
func AllocateID(exists func(id string) bool) (string, error) {
	for i := 0; i < idAllocRetries; i++ {
		id := NewID()
		if !exists(id) {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// ValidID reports whether s is a well-formed 8-hex instance id.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}
