package helpers

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean string untouched", "hello world", "hello world"},
		{"nul bytes removed", "a\x00b\x00c", "abc"},
		{"invalid sequence removed", "ok\xff\xfemore", "okmore"},
		{"multibyte preserved", "héllo wörld £100", "héllo wörld £100"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeUTF8(tc.input))
		})
	}
}

func TestSanitizeFlags(t *testing.T) {
	in := []imap.Flag{
		imap.FlagSeen,
		"",
		"   ",
		"NIL",
		"$NIL",
		"nil",
		"$NULL",
		"null-routed",
		imap.FlagFlagged,
		"ProjectX",
	}
	got := SanitizeFlags(in)
	assert.Equal(t, []imap.Flag{imap.FlagSeen, imap.FlagFlagged, "ProjectX"}, got)
}

func TestSanitizeFlagsEmpty(t *testing.T) {
	assert.Empty(t, SanitizeFlags(nil))
	assert.Empty(t, SanitizeFlags([]imap.Flag{}))
}
