package rules

// Matches reports whether the filter fires for the message.
//
// Disabled filters and filters without conditions never match; the guard
// runs before any condition is evaluated, so an under-construction filter
// cannot fire. With MatchAll set every condition must hold (AND), otherwise
// one holding condition suffices (OR). Conditions are side-effect free, so
// all of them are evaluated; there is no observable short-circuit.
func Matches(msg Message, f *Filter) bool {
	if f == nil || !f.Enabled || len(f.Conditions) == 0 {
		return false
	}

	matched := f.MatchAll
	for _, cond := range f.Conditions {
		if Evaluate(msg, cond) {
			if !f.MatchAll {
				matched = true
			}
		} else if f.MatchAll {
			matched = false
		}
	}
	return matched
}

// Plan translates a filter's actions into intents, preserving order
// exactly. It performs no validation and no execution; an action with an
// unknown kind still produces its intent, and the delivery pipeline decides
// what to do with it.
func Plan(f *Filter) []Intent {
	if f == nil || len(f.Actions) == 0 {
		return nil
	}
	intents := make([]Intent, 0, len(f.Actions))
	for _, a := range f.Actions {
		intents = append(intents, Intent{Kind: a.Kind, Value: a.Value})
	}
	return intents
}
