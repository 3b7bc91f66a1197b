package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed random identifier such as "sale-6f1c...".
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Valid reports whether raw looks like an identifier produced by New with
// the given prefix.
func Valid(prefix string, raw string) bool {
	if prefix != "" {
		if !strings.HasPrefix(raw, prefix+"-") {
			return false
		}
		raw = strings.TrimPrefix(raw, prefix+"-")
	}
	_, err := uuid.Parse(raw)
	return err == nil
}
