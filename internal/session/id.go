package session

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// GenerateID returns prefix followed by a lowercase ULID. IDs generated later
// sort after earlier ones.
func GenerateID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}
