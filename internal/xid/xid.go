package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a prefixed random identifier such as "tx-1b4e28ba-2fa1-...".
// The prefix keeps ids readable in logs; the suffix is a v4 UUID.
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
