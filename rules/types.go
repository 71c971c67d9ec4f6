package rules

import "strings"

// Field selects which part of a message a condition inspects.
type Field string

const (
	FieldFrom          Field = "from"
	FieldTo            Field = "to"
	FieldSubject       Field = "subject"
	FieldBody          Field = "body"
	FieldHasAttachment Field = "has-attachment"
)

// Operator is the comparison a condition applies to the selected field.
type Operator string

const (
	OperatorContains   Operator = "contains"
	OperatorEquals     Operator = "equals"
	OperatorStartsWith Operator = "starts-with"
	OperatorEndsWith   Operator = "ends-with"
	// OperatorIs compares the rendered field literal exactly, without case
	// folding. It is the only operator meaningful for boolean fields, which
	// render as "true"/"false".
	OperatorIs Operator = "is"
)

// ActionKind names the mailbox side effect a matched filter requests.
type ActionKind string

const (
	ActionMoveToMailbox   ActionKind = "move-to-mailbox"
	ActionMarkAsRead      ActionKind = "mark-as-read"
	ActionMarkAsSpam      ActionKind = "mark-as-spam"
	ActionDelete          ActionKind = "delete"
	ActionAddLabel        ActionKind = "add-label"
	ActionMarkAsImportant ActionKind = "mark-as-important"
)

// ParseField validates a persisted field value. Unknown values are returned
// as-is together with ok=false; they are preserved on round-trips and
// evaluate to false.
func ParseField(s string) (Field, bool) {
	switch f := Field(strings.TrimSpace(s)); f {
	case FieldFrom, FieldTo, FieldSubject, FieldBody, FieldHasAttachment:
		return f, true
	default:
		return f, false
	}
}

// ParseOperator validates a persisted operator value.
func ParseOperator(s string) (Operator, bool) {
	switch op := Operator(strings.TrimSpace(s)); op {
	case OperatorContains, OperatorEquals, OperatorStartsWith, OperatorEndsWith, OperatorIs:
		return op, true
	default:
		return op, false
	}
}

// ParseActionKind validates a persisted action kind.
func ParseActionKind(s string) (ActionKind, bool) {
	switch k := ActionKind(strings.TrimSpace(s)); k {
	case ActionMoveToMailbox, ActionMarkAsRead, ActionMarkAsSpam, ActionDelete, ActionAddLabel, ActionMarkAsImportant:
		return k, true
	default:
		return k, false
	}
}

// Condition is a single field/operator/value test.
type Condition struct {
	ID       string   `json:"id"`
	Field    Field    `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// Action is one side effect to request when the owning filter matches.
// Value carries the mailbox name for move-to-mailbox and the label text for
// add-label; it is unused for the other kinds.
type Action struct {
	ID    string     `json:"id"`
	Kind  ActionKind `json:"kind"`
	Value string     `json:"value,omitempty"`
}

// Filter is a named, user-ordered mail rule. Priority always equals the
// filter's positional index in its owning collection; it is never edited
// independently.
type Filter struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Enabled     bool        `json:"enabled"`
	Priority    int         `json:"priority"`
	MatchAll    bool        `json:"match_all"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`
	CreatedAt   int64       `json:"created_at"` // wall clock, milliseconds
	UpdatedAt   int64       `json:"updated_at"`
}

// Clone returns a deep copy. Identifiers are copied verbatim; callers that
// need fresh identities (duplication) re-assign them afterwards.
func (f *Filter) Clone() *Filter {
	c := *f
	c.Conditions = make([]Condition, len(f.Conditions))
	copy(c.Conditions, f.Conditions)
	c.Actions = make([]Action, len(f.Actions))
	copy(c.Actions, f.Actions)
	return &c
}

// Message is the engine's read-only view of an inbound email. Any subset of
// the fields may be absent; evaluation treats missing strings as empty and
// a missing attachment flag as false.
type Message struct {
	From          string
	Recipients    []string
	Subject       string
	Body          string
	HasAttachment bool
	Size          int64
}

// Intent is the planner's resolved, ready-to-execute representation of an
// Action. The delivery pipeline applies intents; the engine never does.
type Intent struct {
	Kind  ActionKind `json:"kind"`
	Value string     `json:"value,omitempty"`
}
