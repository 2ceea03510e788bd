package util

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"net/mail"
	"os"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// NormalizeEmail lower-cases and trims an address so it can be used as an
// identity key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether email is a bare, already-normalized address.
func ValidEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return strings.ToLower(addr.Address) == email
}

// MaskEmail keeps logs useful without writing full addresses: "al***@example.com".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	local := email[:at]
	if len(local) > 2 {
		local = local[:2]
	}
	return local + "***" + email[at:]
}

// Fingerprint is a short, stable, non-reversible digest used for log fields
// and storage keys derived from bearer tokens.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
