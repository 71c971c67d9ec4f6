package ruleset

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/idgen"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/metrics"
	"github.com/migadu/sift/pkg/retry"
	"github.com/migadu/sift/rules"
)

// ForwardingManager owns one account's conditional forwarding rules. It
// mirrors Manager but keeps its own priority space: forwarding rules order
// independently of the filter collection.
type ForwardingManager struct {
	accountID int64
	store     Store
	saveDelay time.Duration
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	ruleList  []*rules.ForwardingRule
	saveTimer *time.Timer
	lastSaved string
}

// NewForwardingManager creates a forwarding manager for the given account.
func NewForwardingManager(accountID int64, opts ManagerOptions) *ForwardingManager {
	m := &ForwardingManager{
		accountID: accountID,
		store:     opts.Store,
		saveDelay: opts.SaveDelay,
		now:       opts.Clock,
		newID:     opts.NewID,
	}
	if m.saveDelay == 0 {
		m.saveDelay = DefaultSaveDelay
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = idgen.New
	}
	return m
}

// AccountID returns the owning account.
func (m *ForwardingManager) AccountID() int64 {
	return m.accountID
}

// Load restores persisted rules. A missing document leaves the manager empty.
func (m *ForwardingManager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	data, err := m.store.LoadDocument(ctx, m.accountID, KindForwarding)
	if err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			return nil
		}
		metrics.DocumentLoadsTotal.WithLabelValues(KindForwarding, "error").Inc()
		return err
	}
	doc, err := DecodeForwardingDocument(data)
	if err != nil {
		metrics.DocumentLoadsTotal.WithLabelValues(KindForwarding, "error").Inc()
		return err
	}
	metrics.DocumentLoadsTotal.WithLabelValues(KindForwarding, "success").Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ruleList = doc.Rules
	m.lastSaved = ContentHash(data)
	return nil
}

// Create appends a new enabled rule with no conditions or actions.
func (m *ForwardingManager) Create(name, description string) *rules.ForwardingRule {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowMillis()
	r := &rules.ForwardingRule{
		ID:          m.newID(),
		Name:        name,
		Description: description,
		Enabled:     true,
		Priority:    len(m.ruleList),
		MatchAll:    true,
		Conditions:  []rules.ForwardingCondition{},
		Actions:     []rules.ForwardingAction{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.ruleList = append(m.ruleList, r)
	m.scheduleSaveLocked()
	return r.Clone()
}

// ForwardingRulePatch carries the fields Update merges. Nil fields are
// left untouched.
type ForwardingRulePatch struct {
	Name        *string
	Description *string
	Enabled     *bool
	MatchAll    *bool
	Conditions  []rules.ForwardingCondition
	Actions     []rules.ForwardingAction
}

// Update merges the patch into the rule. Replacing conditions or actions
// assigns fresh ids to entries that arrive without one. Unknown ids are a
// silent no-op.
func (m *ForwardingManager) Update(id string, patch ForwardingRulePatch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.findLocked(id)
	if r == nil {
		return
	}
	if patch.Name != nil {
		r.Name = *patch.Name
	}
	if patch.Description != nil {
		r.Description = *patch.Description
	}
	if patch.Enabled != nil {
		r.Enabled = *patch.Enabled
	}
	if patch.MatchAll != nil {
		r.MatchAll = *patch.MatchAll
	}
	if patch.Conditions != nil {
		conds := make([]rules.ForwardingCondition, len(patch.Conditions))
		copy(conds, patch.Conditions)
		for i := range conds {
			if conds[i].ID == "" {
				conds[i].ID = m.newID()
			}
		}
		r.Conditions = conds
	}
	if patch.Actions != nil {
		actions := make([]rules.ForwardingAction, len(patch.Actions))
		copy(actions, patch.Actions)
		for i := range actions {
			if actions[i].ID == "" {
				actions[i].ID = m.newID()
			}
		}
		r.Actions = actions
	}
	r.UpdatedAt = m.nowMillis()
	m.scheduleSaveLocked()
}

// Delete removes the rule. Unknown ids are a no-op.
func (m *ForwardingManager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.ruleList {
		if r.ID == id {
			m.ruleList = append(m.ruleList[:i], m.ruleList[i+1:]...)
			m.scheduleSaveLocked()
			return
		}
	}
}

// Toggle flips the enabled flag.
func (m *ForwardingManager) Toggle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.findLocked(id)
	if r == nil {
		return
	}
	r.Enabled = !r.Enabled
	r.UpdatedAt = m.nowMillis()
	m.scheduleSaveLocked()
}

// MoveRule relocates the rule at fromIndex to toIndex and rewrites every
// rule's priority to its positional index.
func (m *ForwardingManager) MoveRule(fromIndex, toIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.ruleList)
	if fromIndex < 0 || fromIndex >= n || toIndex < 0 || toIndex >= n || fromIndex == toIndex {
		return
	}

	r := m.ruleList[fromIndex]
	m.ruleList = append(m.ruleList[:fromIndex], m.ruleList[fromIndex+1:]...)
	m.ruleList = append(m.ruleList[:toIndex], append([]*rules.ForwardingRule{r}, m.ruleList[toIndex:]...)...)

	now := m.nowMillis()
	for i, rule := range m.ruleList {
		if rule.Priority != i {
			rule.Priority = i
			rule.UpdatedAt = now
		}
	}
	m.scheduleSaveLocked()
}

// GetByID returns a copy of the rule, or nil when the id is unknown.
func (m *ForwardingManager) GetByID(id string) *rules.ForwardingRule {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.findLocked(id); r != nil {
		return r.Clone()
	}
	return nil
}

// Rules returns a snapshot of the whole collection in stored order.
func (m *ForwardingManager) Rules() []*rules.ForwardingRule {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*rules.ForwardingRule, 0, len(m.ruleList))
	for _, r := range m.ruleList {
		out = append(out, r.Clone())
	}
	return out
}

// EnabledByPriority returns a snapshot of the enabled rules sorted by
// priority. The sort is stable so rules sharing a priority, which can only
// happen in hand-edited documents, keep their stored order.
func (m *ForwardingManager) EnabledByPriority() []*rules.ForwardingRule {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*rules.ForwardingRule
	for _, r := range m.ruleList {
		if r.Enabled {
			out = append(out, r.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// Flush writes the current snapshot synchronously, skipping the write when
// nothing changed since the last one.
func (m *ForwardingManager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	doc := &ForwardingDocument{
		Version: DocumentFormatVersion,
		Rules:   m.ruleList,
	}
	data, err := doc.Encode()
	hash := ""
	if err == nil {
		hash = ContentHash(data)
		if hash == m.lastSaved {
			m.mu.Unlock()
			return nil
		}
	}
	store := m.store
	accountID := m.accountID
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if store == nil {
		return nil
	}
	if err := store.SaveDocument(ctx, accountID, KindForwarding, data); err != nil {
		metrics.DocumentSavesTotal.WithLabelValues(KindForwarding, "error").Inc()
		return err
	}
	metrics.DocumentSavesTotal.WithLabelValues(KindForwarding, "success").Inc()

	m.mu.Lock()
	m.lastSaved = hash
	m.mu.Unlock()
	return nil
}

// Close stops the snapshot timer and flushes pending state.
func (m *ForwardingManager) Close(ctx context.Context) error {
	return m.Flush(ctx)
}

func (m *ForwardingManager) findLocked(id string) *rules.ForwardingRule {
	for _, r := range m.ruleList {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *ForwardingManager) scheduleSaveLocked() {
	if m.store == nil {
		return
	}
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	m.saveTimer = time.AfterFunc(m.saveDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := retry.WithRetry(ctx, func() error {
			return m.Flush(ctx)
		}, retry.BackoffConfig{
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2,
			Jitter:          true,
			MaxRetries:      4,
		})
		if err != nil {
			logger.Error("ruleset: debounced forwarding snapshot failed", "account_id", m.accountID, "error", err)
		}
	})
}

func (m *ForwardingManager) nowMillis() int64 {
	return m.now().UnixMilli()
}
