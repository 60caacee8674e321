package fhir

import (
	"github.com/google/uuid"
)

// tokenNamespace is the fixed namespace for hashing (system, code) pairs into
// deterministic 128-bit digests. Changing it invalidates every stored token
// hash column.
var tokenNamespace = uuid.MustParse("3183e515-4901-4d44-a286-9e992b4da221")

// NewID mints a random UUID for resource ids and version ids.
func NewID() string {
	return uuid.New().String()
}

// IsID reports whether s parses as a UUID.
func IsID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// TokenHash derives the opaque fixed-width id for a (system, code) pair. The
// digest is uuid.NewSHA1 over the canonical "system|code" string; a bare code
// hashes "|code" so that the empty system is distinguishable.
func TokenHash(system, code string) string {
	return uuid.NewSHA1(tokenNamespace, []byte(system+"|"+code)).String()
}
