package rules

import (
	"math/rand"
	"testing"
)

func subjectCond(value string) Condition {
	return Condition{Field: FieldSubject, Operator: OperatorContains, Value: value}
}

func TestMatchesGuards(t *testing.T) {
	msg := Message{Subject: "hello world"}

	tests := []struct {
		name   string
		filter *Filter
	}{
		{"nil filter", nil},
		{"disabled filter", &Filter{Enabled: false, Conditions: []Condition{subjectCond("hello")}}},
		{"no conditions AND", &Filter{Enabled: true, MatchAll: true}},
		{"no conditions OR", &Filter{Enabled: true, MatchAll: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Matches(msg, tt.filter) {
				t.Error("degenerate filter matched")
			}
		})
	}
}

func TestMatchesCombinators(t *testing.T) {
	msg := Message{Subject: "hello world", Body: "greetings"}

	hit := subjectCond("hello")
	miss := subjectCond("absent")

	tests := []struct {
		name     string
		matchAll bool
		conds    []Condition
		want     bool
	}{
		{"AND all hold", true, []Condition{hit, subjectCond("world")}, true},
		{"AND one fails", true, []Condition{hit, miss}, false},
		{"AND first fails", true, []Condition{miss, hit}, false},
		{"OR one holds", false, []Condition{miss, hit}, true},
		{"OR none hold", false, []Condition{miss, subjectCond("gone")}, false},
		{"single condition AND", true, []Condition{hit}, true},
		{"single condition OR", false, []Condition{hit}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Filter{Enabled: true, MatchAll: tt.matchAll, Conditions: tt.conds}
			if got := Matches(msg, f); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

// Randomized sweep over filters that are disabled or condition-less: none
// may ever match, whatever the message looks like.
func TestMatchesDegenerateNeverMatchesRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	words := []string{"", "invoice", "HELLO", "true", "false", "a b c", "@"}

	randomMessage := func() Message {
		return Message{
			From:          words[rng.Intn(len(words))],
			Recipients:    []string{words[rng.Intn(len(words))], words[rng.Intn(len(words))]},
			Subject:       words[rng.Intn(len(words))],
			Body:          words[rng.Intn(len(words))],
			HasAttachment: rng.Intn(2) == 0,
			Size:          rng.Int63n(1 << 20),
		}
	}

	fields := []Field{FieldFrom, FieldTo, FieldSubject, FieldBody, FieldHasAttachment, "bogus"}
	operators := []Operator{OperatorContains, OperatorEquals, OperatorStartsWith, OperatorEndsWith, OperatorIs, "bogus"}

	randomCondition := func() Condition {
		return Condition{
			Field:    fields[rng.Intn(len(fields))],
			Operator: operators[rng.Intn(len(operators))],
			Value:    words[rng.Intn(len(words))],
		}
	}

	for i := 0; i < 500; i++ {
		f := &Filter{MatchAll: rng.Intn(2) == 0}
		if rng.Intn(2) == 0 {
			// Disabled, possibly with conditions that would otherwise hit.
			f.Enabled = false
			for j := rng.Intn(4); j > 0; j-- {
				f.Conditions = append(f.Conditions, randomCondition())
			}
		} else {
			// Enabled but empty.
			f.Enabled = true
		}
		if Matches(randomMessage(), f) {
			t.Fatalf("degenerate filter matched: %+v", f)
		}
	}
}

func TestPlanPreservesOrder(t *testing.T) {
	f := &Filter{
		Enabled: true,
		Actions: []Action{
			{ID: "a1", Kind: ActionAddLabel, Value: "Finance"},
			{ID: "a2", Kind: ActionMarkAsRead},
			{ID: "a3", Kind: ActionMoveToMailbox, Value: "Archive"},
			{ID: "a4", Kind: ActionDelete},
		},
	}

	intents := Plan(f)
	want := []Intent{
		{Kind: ActionAddLabel, Value: "Finance"},
		{Kind: ActionMarkAsRead},
		{Kind: ActionMoveToMailbox, Value: "Archive"},
		{Kind: ActionDelete},
	}

	if len(intents) != len(want) {
		t.Fatalf("Plan returned %d intents, want %d", len(intents), len(want))
	}
	for i := range want {
		if intents[i] != want[i] {
			t.Errorf("intent[%d] = %+v, want %+v", i, intents[i], want[i])
		}
	}
}

func TestPlanEmpty(t *testing.T) {
	if got := Plan(nil); got != nil {
		t.Errorf("Plan(nil) = %v, want nil", got)
	}
	if got := Plan(&Filter{Enabled: true}); got != nil {
		t.Errorf("Plan(no actions) = %v, want nil", got)
	}
}

// The two end-to-end scenarios from the product contract: an invoice filter
// with AND semantics over subject and attachment presence.
func TestInvoiceScenario(t *testing.T) {
	filter := &Filter{
		ID:       "f1",
		Enabled:  true,
		MatchAll: true,
		Conditions: []Condition{
			{Field: FieldSubject, Operator: OperatorContains, Value: "invoice"},
			{Field: FieldHasAttachment, Operator: OperatorIs, Value: "true"},
		},
		Actions: []Action{
			{Kind: ActionAddLabel, Value: "Finance"},
			{Kind: ActionMarkAsRead},
		},
	}

	matching := Message{Subject: "Your Invoice #42", HasAttachment: true}
	if !Matches(matching, filter) {
		t.Fatal("expected invoice message with attachment to match")
	}
	intents := Plan(filter)
	if len(intents) != 2 || intents[0] != (Intent{Kind: ActionAddLabel, Value: "Finance"}) || intents[1] != (Intent{Kind: ActionMarkAsRead}) {
		t.Fatalf("unexpected plan: %+v", intents)
	}

	noAttachment := Message{Subject: "Invoice", HasAttachment: false}
	if Matches(noAttachment, filter) {
		t.Fatal("AND semantics must fail on the attachment condition")
	}
}
