package rules

import (
	"strconv"
	"strings"
)

// ForwardingField selects the message part a forwarding condition inspects.
// The vocabulary is the filter field set plus a numeric message size.
type ForwardingField string

const (
	ForwardingFieldFrom          ForwardingField = "from"
	ForwardingFieldTo            ForwardingField = "to"
	ForwardingFieldSubject       ForwardingField = "subject"
	ForwardingFieldBody          ForwardingField = "body"
	ForwardingFieldHasAttachment ForwardingField = "has-attachment"
	ForwardingFieldSize          ForwardingField = "size"
)

// ForwardingOperator extends the string operators with numeric comparisons
// for the size field.
type ForwardingOperator string

const (
	ForwardingOpContains    ForwardingOperator = "contains"
	ForwardingOpEquals      ForwardingOperator = "equals"
	ForwardingOpStartsWith  ForwardingOperator = "starts-with"
	ForwardingOpEndsWith    ForwardingOperator = "ends-with"
	ForwardingOpIs          ForwardingOperator = "is"
	ForwardingOpGreaterThan ForwardingOperator = "greater_than"
	ForwardingOpLessThan    ForwardingOperator = "less_than"
)

// ForwardingActionKind names what happens to mail matched by a forwarding
// rule.
type ForwardingActionKind string

const (
	ForwardExternal  ForwardingActionKind = "forward-to-external"
	ForwardToAccount ForwardingActionKind = "forward-to-account"
	ForwardLabel     ForwardingActionKind = "label"
	ForwardMarkRead  ForwardingActionKind = "mark-read"
	ForwardDelete    ForwardingActionKind = "delete"
)

// ForwardingCondition is a single test in a forwarding rule.
type ForwardingCondition struct {
	ID       string             `json:"id"`
	Field    ForwardingField    `json:"field"`
	Operator ForwardingOperator `json:"operator"`
	Value    string             `json:"value"`
}

// ForwardingAction is one routing side effect. Value carries the external
// address for forward-to-external, the target account for
// forward-to-account and the label text for label.
type ForwardingAction struct {
	ID    string               `json:"id"`
	Kind  ForwardingActionKind `json:"kind"`
	Value string               `json:"value,omitempty"`
}

// ForwardingRule routes matching mail to external or internal destinations.
// Priority orders application among simultaneously matching rules; every
// matching rule applies (continue semantics), lower priority first. A rule
// never stops the rules after it from firing.
type ForwardingRule struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Enabled     bool                  `json:"enabled"`
	Priority    int                   `json:"priority"`
	MatchAll    bool                  `json:"match_all"`
	Conditions  []ForwardingCondition `json:"conditions"`
	Actions     []ForwardingAction    `json:"actions"`
	CreatedAt   int64                 `json:"created_at"`
	UpdatedAt   int64                 `json:"updated_at"`
}

// Clone returns a deep copy with identifiers intact.
func (r *ForwardingRule) Clone() *ForwardingRule {
	c := *r
	c.Conditions = make([]ForwardingCondition, len(r.Conditions))
	copy(c.Conditions, r.Conditions)
	c.Actions = make([]ForwardingAction, len(r.Actions))
	copy(c.Actions, r.Actions)
	return &c
}

// ForwardingIntent is the planned representation of a forwarding action.
type ForwardingIntent struct {
	Kind  ForwardingActionKind `json:"kind"`
	Value string               `json:"value,omitempty"`
}

// ParseForwardingField validates a persisted forwarding field value.
func ParseForwardingField(s string) (ForwardingField, bool) {
	switch f := ForwardingField(strings.TrimSpace(s)); f {
	case ForwardingFieldFrom, ForwardingFieldTo, ForwardingFieldSubject,
		ForwardingFieldBody, ForwardingFieldHasAttachment, ForwardingFieldSize:
		return f, true
	default:
		return f, false
	}
}

// ParseForwardingOperator validates a persisted forwarding operator value.
func ParseForwardingOperator(s string) (ForwardingOperator, bool) {
	switch op := ForwardingOperator(strings.TrimSpace(s)); op {
	case ForwardingOpContains, ForwardingOpEquals, ForwardingOpStartsWith,
		ForwardingOpEndsWith, ForwardingOpIs, ForwardingOpGreaterThan, ForwardingOpLessThan:
		return op, true
	default:
		return op, false
	}
}

// ParseForwardingActionKind validates a persisted forwarding action kind.
func ParseForwardingActionKind(s string) (ForwardingActionKind, bool) {
	switch k := ForwardingActionKind(strings.TrimSpace(s)); k {
	case ForwardExternal, ForwardToAccount, ForwardLabel, ForwardMarkRead, ForwardDelete:
		return k, true
	default:
		return k, false
	}
}

// EvaluateForwarding reports whether a forwarding condition matches the
// message. Size comparisons require a numeric condition value; a value that
// does not parse evaluates to false rather than erroring.
func EvaluateForwarding(msg Message, cond ForwardingCondition) bool {
	if cond.Field == ForwardingFieldSize {
		threshold, err := strconv.ParseInt(strings.TrimSpace(cond.Value), 10, 64)
		if err != nil {
			return false
		}
		switch cond.Operator {
		case ForwardingOpGreaterThan:
			return msg.Size > threshold
		case ForwardingOpLessThan:
			return msg.Size < threshold
		default:
			return false
		}
	}

	return Evaluate(msg, Condition{
		Field:    Field(cond.Field),
		Operator: Operator(cond.Operator),
		Value:    cond.Value,
	})
}

// MatchesForwarding mirrors Matches for forwarding rules: disabled rules and
// rules without conditions never match, MatchAll selects AND over OR.
func MatchesForwarding(msg Message, r *ForwardingRule) bool {
	if r == nil || !r.Enabled || len(r.Conditions) == 0 {
		return false
	}

	matched := r.MatchAll
	for _, cond := range r.Conditions {
		if EvaluateForwarding(msg, cond) {
			if !r.MatchAll {
				matched = true
			}
		} else if r.MatchAll {
			matched = false
		}
	}
	return matched
}

// PlanForwarding translates a forwarding rule's actions into intents in
// declaration order.
func PlanForwarding(r *ForwardingRule) []ForwardingIntent {
	if r == nil || len(r.Actions) == 0 {
		return nil
	}
	intents := make([]ForwardingIntent, 0, len(r.Actions))
	for _, a := range r.Actions {
		intents = append(intents, ForwardingIntent{Kind: a.Kind, Value: a.Value})
	}
	return intents
}
