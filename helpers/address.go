package helpers

import (
	"fmt"
	"strings"
)

// SplitEmailAddress splits an address into its lowercased local part and
// domain. The address must contain exactly one @ with non-empty parts.
func SplitEmailAddress(email string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, found := strings.Cut(email, "@")
	if !found || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", "", fmt.Errorf("malformed email address %q", email)
	}
	return local, domain, nil
}

// IsValidEmailAddress reports whether SplitEmailAddress would accept the
// address.
func IsValidEmailAddress(email string) bool {
	_, _, err := SplitEmailAddress(email)
	return err == nil
}
