package helpers

import (
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
)

// SanitizeUTF8 strips invalid UTF-8 sequences and NUL bytes. Postgres text
// columns reject NUL even though it is valid UTF-8, so everything headed for
// the database passes through here.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, 0) {
		return s
	}
	s = strings.ToValidUTF8(s, "")
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizeFlags drops flag values that would be rejected on the wire:
// empty or whitespace-only names, and anything containing NIL or NULL,
// which some clients emit when a flag list was serialized from a nil.
func SanitizeFlags(flags []imap.Flag) []imap.Flag {
	if len(flags) == 0 {
		return flags
	}
	out := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		if validFlag(string(f)) {
			out = append(out, f)
		}
	}
	return out
}

func validFlag(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	u := strings.ToUpper(s)
	return !strings.Contains(u, "NIL") && !strings.Contains(u, "NULL")
}
