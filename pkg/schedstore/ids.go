package schedstore

import (
	"strings"

	"github.com/google/uuid"
)

// newID returns a prefixed identifier, e.g. job_2f1c... The prefix makes
// IDs self-describing in logs and webhook payloads.
func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
