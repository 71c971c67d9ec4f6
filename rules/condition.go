package rules

import (
	"strconv"
	"strings"
)

// fieldLiteral renders the selected message field as a string. Extraction is
// total: missing string fields render empty, a missing attachment flag
// renders "false". Unknown fields report ok=false and never match.
func fieldLiteral(msg Message, field Field) (string, bool) {
	switch field {
	case FieldFrom:
		return msg.From, true
	case FieldTo:
		// The recipient list is matched as one space-joined string. With
		// "contains" this matches any single recipient; with equals/
		// starts-with/ends-with it effectively requires a single recipient.
		// That mirrors the webmail client this engine replaces and is
		// accepted behavior, not a bug.
		return strings.Join(msg.Recipients, " "), true
	case FieldSubject:
		return msg.Subject, true
	case FieldBody:
		return msg.Body, true
	case FieldHasAttachment:
		return strconv.FormatBool(msg.HasAttachment), true
	default:
		return "", false
	}
}

// Evaluate reports whether a single condition matches the message. It is
// pure, never panics and never errors: malformed or unknown condition data
// evaluates to false (fail closed).
func Evaluate(msg Message, cond Condition) bool {
	literal, ok := fieldLiteral(msg, cond.Field)
	if !ok {
		return false
	}

	if cond.Operator == OperatorIs {
		// Exact literal comparison, no case folding.
		return literal == cond.Value
	}

	value := strings.ToLower(literal)
	pattern := strings.ToLower(cond.Value)

	switch cond.Operator {
	case OperatorContains:
		return strings.Contains(value, pattern)
	case OperatorEquals:
		return value == pattern
	case OperatorStartsWith:
		return strings.HasPrefix(value, pattern)
	case OperatorEndsWith:
		return strings.HasSuffix(value, pattern)
	default:
		return false
	}
}
