// Package rules implements the structured mail filtering engine.
//
// A Filter is a user-defined rule: an ordered list of Conditions combined
// with ALL (AND) or ANY (OR) semantics, plus an ordered list of Actions to
// apply when the filter matches. Filters are evaluated against a Message
// view of an inbound email at delivery time:
//
//	msg := rules.Message{
//		From:          "billing@example.com",
//		Recipients:    []string{"user@example.com"},
//		Subject:       "Your Invoice #42",
//		HasAttachment: true,
//	}
//	if rules.Matches(msg, filter) {
//		intents := rules.Plan(filter)
//		// hand intents to the delivery pipeline
//	}
//
// # Evaluation Model
//
// Evaluation is pure and total: no condition ever raises an error. Missing
// message fields evaluate as empty ("" for strings, false for attachment
// presence), and unknown field or operator values loaded from persisted
// documents evaluate to false rather than failing. String operators compare
// case-insensitively; the "is" operator compares the rendered field literal
// exactly.
//
// Disabled filters and filters without conditions never match, by
// construction: Matches guards them before any condition is evaluated.
//
// # Planning
//
// Plan translates a matched filter's actions one-to-one into Intents, in
// the filter's action order. Intents are descriptions of side effects; the
// engine never executes them. Ordering is part of the user-visible contract
// since downstream execution is order-sensitive.
//
// # Conditional Forwarding
//
// ForwardingRule is the structurally identical variant used for routing
// matching mail to external addresses or other accounts. Its condition
// vocabulary adds a numeric size test and its actions are forwarding
// specific. Every matching rule applies, in priority order; there is no
// stop-on-first-match.
package rules
