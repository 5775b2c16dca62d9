package core

import (
	"strings"

	"github.com/google/uuid"
)

// NewFlowID returns a fresh 128-bit identifier rendered as 32 lowercase hex
// digits, matching the flow_id wire format. It is a version-4 UUID with the
// hyphens removed, so 122 of its bits are random and 6 are the fixed
// version and variant bits.
func NewFlowID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
