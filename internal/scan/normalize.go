package scan

// TokenLen is the length of a student account id.
const TokenLen = 6

// Normalize strips everything but ASCII digits and truncates to TokenLen.
func Normalize(raw string) string {
	out := make([]byte, 0, TokenLen)
	for i := 0; i < len(raw) && len(out) < TokenLen; i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			out = append(out, c)
		}
	}
	return string(out)
}

// Complete reports whether s is a full account id.
func Complete(s string) bool {
	return len(s) == TokenLen && Normalize(s) == s
}
