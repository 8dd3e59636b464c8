package scan

// IsAcceptableDecode reports whether a decoded string is an ISBN candidate:
// exactly 10 or exactly 13 ASCII decimal digits (raw form, no hyphens).
// Anything else is rejected as a transient, non-fatal candidate.
func IsAcceptableDecode(s string) bool {
	if len(s) != 10 && len(s) != 13 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// NormalizeISBN strips hyphens and spaces from user-entered ISBN forms,
// returning the raw digit string. It does not validate the result.
func NormalizeISBN(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '-' || s[i] == ' ' {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
