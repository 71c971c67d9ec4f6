// Package delivery runs incoming mail through an account's filters and
// forwarding rules and applies the resulting intents.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/helpers"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/metrics"
	"github.com/migadu/sift/rules"
	"github.com/migadu/sift/ruleset"
)

// ForwardedHeader marks relayed copies so forwarding chains terminate.
const ForwardedHeader = "X-Sift-Forwarded"

// MailboxStore is where applied intents land. Implementations file the raw
// message into a mailbox with flags, or redirect it to another account.
type MailboxStore interface {
	DeliverToMailbox(ctx context.Context, accountID int64, mailbox string, raw []byte, flags []imap.Flag) error
	Redirect(ctx context.Context, accountID int64, targetAddress string, raw []byte) error
}

// RelayQueue spools a message for asynchronous forwarding.
type RelayQueue interface {
	Enqueue(from, to, messageType string, messageBytes []byte) error
}

// RelayHandler sends a message to the external relay immediately.
type RelayHandler interface {
	SendToExternalRelay(from, to string, messageBytes []byte) error
}

// Disposition is the folded outcome of every matched rule's local intents:
// one destination mailbox plus the flags and labels to set. The delete
// action files into Trash rather than dropping the message, so a
// misfiring rule never destroys mail.
type Disposition struct {
	Mailbox string      `json:"mailbox"`
	Flags   []imap.Flag `json:"flags,omitempty"`
	Labels  []string    `json:"labels,omitempty"`
}

// forwardTarget is a pending external or account forward.
type forwardTarget struct {
	address  string
	external bool
}

// Result summarizes one pipeline run.
type Result struct {
	Disposition    Disposition `json:"disposition"`
	MatchedFilters []string    `json:"matched_filters,omitempty"`
	ForwardedTo    []string    `json:"forwarded_to,omitempty"`
	IntentsApplied int         `json:"intents_applied"`
}

// DeliveryContext wires the pipeline's collaborators.
type DeliveryContext struct {
	Registry     *ruleset.Registry
	Store        MailboxStore
	Relay        RelayHandler // nil disables external forwarding
	RelayQueue   RelayQueue   // nil sends synchronously
	MaxBodyBytes int64        // cap on body text fed to conditions, 0 = 1 MiB
	MaxHops      int          // forwarding loop guard, 0 = 3
}

// ParseMessage converts a raw RFC 5322 message into the evaluator's view of
// it. Parsing never fails the pipeline: a malformed message evaluates with
// whatever fields could be read.
func (d *DeliveryContext) ParseMessage(raw []byte) (rules.Message, *message.Entity) {
	msg := rules.Message{Size: int64(len(raw))}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && entity == nil {
		logger.Warn("delivery: unparseable message", "error", err)
		return msg, nil
	}

	header := mail.Header{Header: entity.Header}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	for _, field := range []string{"To", "Cc"} {
		if addrs, err := header.AddressList(field); err == nil {
			for _, a := range addrs {
				msg.Recipients = append(msg.Recipients, a.Address)
			}
		}
	}
	if subject, err := header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = entity.Header.Get("Subject")
	}

	body, err := helpers.ExtractBodyContent(entity)
	if err != nil {
		logger.Debug("delivery: body extraction failed", "error", err)
		return msg, entity
	}
	text := body.Plaintext
	if limit := d.maxBodyBytes(); int64(len(text)) > limit {
		text = text[:limit]
	}
	msg.Body = text
	msg.HasAttachment = body.HasAttachment
	return msg, entity
}

// DeliverMessage runs one message through the account's filters and
// forwarding rules. Every matching rule applies, in priority order: filter
// intents and the forwarding rules' local intents fold into a single
// disposition, the message is filed once, then forwarded copies go out.
// Apply failures are recorded into the account's stats; the engine never
// retries.
func (d *DeliveryContext) DeliverMessage(ctx context.Context, accountID int64, raw []byte) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	}()

	msg, _ := d.ParseMessage(raw)

	manager, err := d.Registry.Manager(ctx, accountID)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("loading filters for account %d: %w", accountID, err)
	}
	fm, err := d.Registry.Forwarding(ctx, accountID)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("loading forwarding rules for account %d: %w", accountID, err)
	}

	result := &Result{Disposition: Disposition{Mailbox: consts.MailboxInbox}}

	evalStart := time.Now()
	var intents []rules.Intent
	for _, f := range manager.GetEnabled() {
		if rules.Matches(msg, f) {
			metrics.FiltersMatchedTotal.WithLabelValues("match").Inc()
			result.MatchedFilters = append(result.MatchedFilters, f.ID)
			intents = append(intents, rules.Plan(f)...)
		} else {
			metrics.FiltersMatchedTotal.WithLabelValues("no_match").Inc()
		}
	}
	foldIntents(&result.Disposition, intents)

	var forwards []forwardTarget
	forwardCount := d.evalForwarding(fm, msg, raw, &result.Disposition, &forwards)
	metrics.EvaluationDuration.Observe(time.Since(evalStart).Seconds())

	if err := d.applyDisposition(ctx, accountID, raw, result); err != nil {
		manager.RecordFailure(err.Error())
		metrics.DeliveriesTotal.WithLabelValues("error").Inc()
		return result, err
	}
	result.IntentsApplied = len(intents) + forwardCount
	manager.RecordApplied(result.IntentsApplied)

	// Forwarding failures are recorded, never fatal: the message is
	// already filed.
	for _, fw := range forwards {
		if err := d.sendForward(ctx, accountID, msg.From, fw, raw); err != nil {
			logger.Error("delivery: forward failed",
				"account_id", accountID, "target", fw.address, "error", err)
			manager.RecordFailure(err.Error())
			continue
		}
		result.ForwardedTo = append(result.ForwardedTo, fw.address)
	}

	metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
	return result, nil
}

// foldIntents reduces filter intents to a disposition. Later mailbox moves
// override earlier ones; flags and labels accumulate.
func foldIntents(disp *Disposition, intents []rules.Intent) {
	for _, intent := range intents {
		switch intent.Kind {
		case rules.ActionMoveToMailbox:
			if intent.Value != "" {
				disp.Mailbox = intent.Value
			}
		case rules.ActionMarkAsRead:
			disp.Flags = appendFlag(disp.Flags, imap.FlagSeen)
		case rules.ActionMarkAsSpam:
			disp.Mailbox = consts.MailboxJunk
			disp.Flags = appendFlag(disp.Flags, imap.FlagJunk)
		case rules.ActionDelete:
			disp.Mailbox = consts.MailboxTrash
		case rules.ActionAddLabel:
			if intent.Value != "" {
				disp.Labels = appendLabel(disp.Labels, intent.Value)
			}
		case rules.ActionMarkAsImportant:
			disp.Flags = appendFlag(disp.Flags, imap.FlagFlagged)
		default:
			// Unknown intents are skipped, matching the evaluator's
			// fail-closed stance.
		}
	}
}

// evalForwarding folds the matching forwarding rules' local intents into
// the disposition and collects the forward targets. Returns the number of
// intents planned.
func (d *DeliveryContext) evalForwarding(fm *ruleset.ForwardingManager, msg rules.Message, raw []byte, disp *Disposition, forwards *[]forwardTarget) int {
	enabled := fm.EnabledByPriority()
	if len(enabled) == 0 {
		return 0
	}

	hopLimitReached := countForwardHops(raw) >= d.maxHops()
	count := 0
	for _, rule := range enabled {
		if !rules.MatchesForwarding(msg, rule) {
			metrics.ForwardingRulesMatchedTotal.WithLabelValues("no_match").Inc()
			continue
		}
		metrics.ForwardingRulesMatchedTotal.WithLabelValues("match").Inc()

		for _, intent := range rules.PlanForwarding(rule) {
			count++
			switch intent.Kind {
			case rules.ForwardExternal:
				if intent.Value == "" {
					continue
				}
				if hopLimitReached {
					logger.Warn("delivery: forwarding hop limit reached", "account_id", fm.AccountID(), "target", intent.Value)
					continue
				}
				*forwards = append(*forwards, forwardTarget{address: intent.Value, external: true})
			case rules.ForwardToAccount:
				if intent.Value == "" {
					continue
				}
				if hopLimitReached {
					logger.Warn("delivery: forwarding hop limit reached", "account_id", fm.AccountID(), "target", intent.Value)
					continue
				}
				*forwards = append(*forwards, forwardTarget{address: intent.Value})
			case rules.ForwardLabel:
				if intent.Value != "" {
					disp.Labels = appendLabel(disp.Labels, intent.Value)
				}
			case rules.ForwardMarkRead:
				disp.Flags = appendFlag(disp.Flags, imap.FlagSeen)
			case rules.ForwardDelete:
				disp.Mailbox = consts.MailboxTrash
			}
		}
	}
	return count
}

func (d *DeliveryContext) applyDisposition(ctx context.Context, accountID int64, raw []byte, result *Result) error {
	flags := result.Disposition.Flags
	for _, label := range result.Disposition.Labels {
		flags = appendFlag(flags, imap.Flag(label))
	}
	flags = helpers.SanitizeFlags(flags)

	err := d.Store.DeliverToMailbox(ctx, accountID, result.Disposition.Mailbox, raw, flags)
	if err != nil {
		metrics.IntentsAppliedTotal.WithLabelValues("deliver", "failure").Inc()
		return fmt.Errorf("delivering to %q: %w", result.Disposition.Mailbox, err)
	}
	metrics.IntentsAppliedTotal.WithLabelValues("deliver", "success").Inc()
	return nil
}

func (d *DeliveryContext) sendForward(ctx context.Context, accountID int64, from string, fw forwardTarget, raw []byte) error {
	stamped := stampForwardHeader(raw)
	if fw.external {
		if d.RelayQueue != nil {
			return d.RelayQueue.Enqueue(from, fw.address, "forward", stamped)
		}
		if d.Relay != nil {
			return d.Relay.SendToExternalRelay(from, fw.address, stamped)
		}
		return fmt.Errorf("no relay configured for forward-to-external")
	}
	return d.Store.Redirect(ctx, accountID, fw.address, stamped)
}

// stampForwardHeader prepends a hop-count header to the raw message.
func stampForwardHeader(raw []byte) []byte {
	hops := countForwardHops(raw) + 1
	header := fmt.Sprintf("%s: %d\r\n", ForwardedHeader, hops)
	out := make([]byte, 0, len(header)+len(raw))
	out = append(out, header...)
	out = append(out, raw...)
	return out
}

func countForwardHops(raw []byte) int {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && entity == nil {
		return 0
	}
	hops := 0
	fields := entity.Header.FieldsByKey(ForwardedHeader)
	for fields.Next() {
		if _, err := fmt.Sscanf(fields.Value(), "%d", &hops); err == nil && hops > 0 {
			return hops
		}
		hops++
	}
	return hops
}

func (d *DeliveryContext) maxBodyBytes() int64 {
	if d.MaxBodyBytes <= 0 {
		return 1 << 20
	}
	return d.MaxBodyBytes
}

func (d *DeliveryContext) maxHops() int {
	if d.MaxHops <= 0 {
		return 3
	}
	return d.MaxHops
}

func appendFlag(flags []imap.Flag, f imap.Flag) []imap.Flag {
	for _, existing := range flags {
		if existing == f {
			return flags
		}
	}
	return append(flags, f)
}

func appendLabel(labels []string, l string) []string {
	for _, existing := range labels {
		if existing == l {
			return labels
		}
	}
	return append(labels, l)
}
