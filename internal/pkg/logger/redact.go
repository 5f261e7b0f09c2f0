package logger

import "strings"

// RedactEmail masks the local part of a recipient address while keeping the
// destination domain, which dispatch logs need for bucket attribution.
// "john.doe@example.com" → "jo***@example.com"; local parts of two chars or
// fewer are fully masked.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
