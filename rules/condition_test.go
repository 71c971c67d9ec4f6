package rules

import "testing"

func TestEvaluateStringOperators(t *testing.T) {
	msg := Message{
		From:       "Billing <billing@example.com>",
		Recipients: []string{"user@example.com", "copy@example.com"},
		Subject:    "Your Invoice #42",
		Body:       "Please find the INVOICE attached.",
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"subject contains case-insensitive", Condition{Field: FieldSubject, Operator: OperatorContains, Value: "invoice"}, true},
		{"subject contains upper pattern", Condition{Field: FieldSubject, Operator: OperatorContains, Value: "INVOICE"}, true},
		{"subject contains miss", Condition{Field: FieldSubject, Operator: OperatorContains, Value: "receipt"}, false},
		{"subject equals full", Condition{Field: FieldSubject, Operator: OperatorEquals, Value: "your invoice #42"}, true},
		{"subject equals partial", Condition{Field: FieldSubject, Operator: OperatorEquals, Value: "your invoice"}, false},
		{"subject starts-with", Condition{Field: FieldSubject, Operator: OperatorStartsWith, Value: "your"}, true},
		{"subject ends-with", Condition{Field: FieldSubject, Operator: OperatorEndsWith, Value: "#42"}, true},
		{"from contains display name", Condition{Field: FieldFrom, Operator: OperatorContains, Value: "billing"}, true},
		{"body contains folded", Condition{Field: FieldBody, Operator: OperatorContains, Value: "invoice"}, true},
		{"to contains any recipient", Condition{Field: FieldTo, Operator: OperatorContains, Value: "copy@example.com"}, true},
		// Joined recipients: equals only matches the joined string, so a
		// multi-recipient message never equals a single address.
		{"to equals multi-recipient", Condition{Field: FieldTo, Operator: OperatorEquals, Value: "user@example.com"}, false},
		{"to starts-with first recipient", Condition{Field: FieldTo, Operator: OperatorStartsWith, Value: "user@"}, true},
		{"to ends-with last recipient", Condition{Field: FieldTo, Operator: OperatorEndsWith, Value: "copy@example.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(msg, tt.cond); got != tt.want {
				t.Errorf("Evaluate(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvaluateIsOperator(t *testing.T) {
	withAttachment := Message{Subject: "HELLO", HasAttachment: true}
	withoutAttachment := Message{Subject: "HELLO"}

	tests := []struct {
		name string
		msg  Message
		cond Condition
		want bool
	}{
		{"has-attachment is true", withAttachment, Condition{Field: FieldHasAttachment, Operator: OperatorIs, Value: "true"}, true},
		{"has-attachment is false against true", withAttachment, Condition{Field: FieldHasAttachment, Operator: OperatorIs, Value: "false"}, false},
		{"missing attachment renders false", withoutAttachment, Condition{Field: FieldHasAttachment, Operator: OperatorIs, Value: "false"}, true},
		// "is" does not case fold the literal.
		{"is does not case fold", withAttachment, Condition{Field: FieldHasAttachment, Operator: OperatorIs, Value: "TRUE"}, false},
		{"is on string field exact", withAttachment, Condition{Field: FieldSubject, Operator: OperatorIs, Value: "HELLO"}, true},
		{"is on string field wrong case", withAttachment, Condition{Field: FieldSubject, Operator: OperatorIs, Value: "hello"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.msg, tt.cond); got != tt.want {
				t.Errorf("Evaluate(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvaluateMissingFieldsAreTotal(t *testing.T) {
	empty := Message{}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"missing subject is empty string", Condition{Field: FieldSubject, Operator: OperatorEquals, Value: ""}, true},
		{"missing from contains nothing", Condition{Field: FieldFrom, Operator: OperatorContains, Value: "x"}, false},
		{"empty pattern contains everything", Condition{Field: FieldBody, Operator: OperatorContains, Value: ""}, true},
		{"no recipients join to empty", Condition{Field: FieldTo, Operator: OperatorEquals, Value: ""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(empty, tt.cond); got != tt.want {
				t.Errorf("Evaluate(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvaluateFailsClosed(t *testing.T) {
	msg := Message{Subject: "anything", HasAttachment: true}

	tests := []struct {
		name string
		cond Condition
	}{
		{"unknown field", Condition{Field: "x-priority", Operator: OperatorContains, Value: "anything"}},
		{"unknown operator", Condition{Field: FieldSubject, Operator: "matches-regex", Value: ".*"}},
		{"both unknown", Condition{Field: "label", Operator: "in", Value: "a,b"}},
		{"empty condition", Condition{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Evaluate(msg, tt.cond) {
				t.Errorf("Evaluate(%+v) = true, want false for unknown vocabulary", tt.cond)
			}
		})
	}
}

func TestParseVocabulary(t *testing.T) {
	if f, ok := ParseField("subject"); !ok || f != FieldSubject {
		t.Errorf("ParseField(subject) = %q, %v", f, ok)
	}
	if _, ok := ParseField("x-spam-score"); ok {
		t.Error("ParseField accepted unknown field")
	}
	if op, ok := ParseOperator("starts-with"); !ok || op != OperatorStartsWith {
		t.Errorf("ParseOperator(starts-with) = %q, %v", op, ok)
	}
	if _, ok := ParseOperator("regex"); ok {
		t.Error("ParseOperator accepted unknown operator")
	}
	if k, ok := ParseActionKind("move-to-mailbox"); !ok || k != ActionMoveToMailbox {
		t.Errorf("ParseActionKind(move-to-mailbox) = %q, %v", k, ok)
	}
	if _, ok := ParseActionKind("bounce"); ok {
		t.Error("ParseActionKind accepted unknown kind")
	}
}
