package logger

import (
	"regexp"
	"strings"
)

// emailPattern matches addresses embedded in free-form values (error
// strings, banlist reasons) so they get masked even when the field key
// gives no hint.
var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// RedactEmail masks the local part of a panel account address:
// "alice.smith@example.com" becomes "al***@example.com". Locals of two
// characters or fewer are masked whole; anything that does not split
// cleanly on a single "@" comes back fully masked.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}

// redactValue masks a log field value. Identity-keyed fields hold a bare
// address, so they are redacted directly; every other value is scanned
// for embedded addresses.
func redactValue(key, val string) string {
	k := strings.ToLower(key)
	if strings.Contains(k, "email") || strings.Contains(k, "user") {
		return RedactEmail(val)
	}
	return emailPattern.ReplaceAllStringFunc(val, RedactEmail)
}
