// Package identity derives the storage key that makes lead writes idempotent.
package identity

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const separator = "|"

// DeriveKey returns a 16 hex character key for a lead. Inputs must already be
// normalized; they are not re-normalized here. The digest is a dedup key and
// carries no security guarantee.
func DeriveKey(name, folio, phone string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(name+separator+folio+separator+phone))
}
