package naming

import "github.com/google/uuid"

const suffixLen = 8

// Suffix returns a short collision-resistant token. The uuid alphabet is
// hex digits and dashes, which keeps generated names inside the
// provider's allowed character set (letters, digits, dash, dot).
func Suffix() string {
	return uuid.NewString()[:suffixLen]
}

// WithSuffix derives an instance name from a base name.
func WithSuffix(base string) string {
	return base + "-" + Suffix()
}
