package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix returns a compact prefixed identifier such as "run_018f2c...".
// The prefix keeps ids greppable in logs and the event stream.
func WithPrefix(prefix string) string {
	id := strings.ReplaceAll(New(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func RunID() string      { return WithPrefix("run") }
func PermID() string     { return WithPrefix("perm") }
func ScheduleID() string { return WithPrefix("sched") }
func SessionID() string  { return WithPrefix("sess") }
