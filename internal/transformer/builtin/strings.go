package builtin

// HasEdgeSpace reports whether s starts or ends with ASCII whitespace.
// It is a cheap pre-check so hot paths only pay for strings.TrimSpace on the
// rows that actually need it.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isEdgeSpace(s[0]) || isEdgeSpace(s[len(s)-1])
}

func isEdgeSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
