// Package ruleset owns the ordered filter collections of one account: CRUD,
// ordering, duplication, derived statistics and the versioned snapshot that
// crosses the persistence boundary.
//
// One Manager (and one ForwardingManager) exists per account. All mutations
// serialize through a single-writer mutex and patch the derived stats inside
// the same critical section, so the stats invariant
//
//	stats.TotalRules == len(filters) && stats.EnabledRules == |enabled|
//
// holds at every observable point. Reads hand out deep copies, never views
// into live state.
//
// Persistence is a debounced, asynchronous side effect: the in-memory
// collection is the source of truth between snapshots, and a failed save
// only surfaces through Flush/Close.
package ruleset

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/idgen"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/metrics"
	"github.com/migadu/sift/pkg/retry"
	"github.com/migadu/sift/rules"
)

// CopySuffix is appended to a duplicated filter's name.
const CopySuffix = " (copy)"

// DefaultSaveDelay debounces snapshot writes after a mutation.
const DefaultSaveDelay = 2 * time.Second

// Store is the persistence collaborator. Implementations must treat
// (accountID, kind) as the document key and store the payload verbatim.
type Store interface {
	LoadDocument(ctx context.Context, accountID int64, kind string) ([]byte, error)
	SaveDocument(ctx context.Context, accountID int64, kind string, doc []byte) error
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store     Store         // nil disables persistence (in-memory only)
	SaveDelay time.Duration // 0 means DefaultSaveDelay
	Clock     func() time.Time
	NewID     func() string
}

// Manager owns one account's filter collection and its derived stats.
type Manager struct {
	accountID int64
	store     Store
	saveDelay time.Duration
	now       func() time.Time
	newID     func() string

	mu         sync.Mutex
	filters    []*rules.Filter
	stats      Stats
	selectedID string
	saveTimer  *time.Timer
	lastSaved  string // content hash of the last snapshot written
}

// NewManager creates a manager for the given account. Call Load to restore
// persisted state before use.
func NewManager(accountID int64, opts ManagerOptions) *Manager {
	m := &Manager{
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
func (m *Manager) AccountID() int64 {
	return m.accountID
}

// Load restores the manager's state from the store. A missing document is
// not an error: the manager starts empty.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	data, err := m.store.LoadDocument(ctx, m.accountID, KindFilters)
	if err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			return nil
		}
		metrics.DocumentLoadsTotal.WithLabelValues(KindFilters, "error").Inc()
		return err
	}
	doc, err := DecodeDocument(data)
	if err != nil {
		metrics.DocumentLoadsTotal.WithLabelValues(KindFilters, "error").Inc()
		return err
	}
	metrics.DocumentLoadsTotal.WithLabelValues(KindFilters, "success").Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = doc.Filters
	m.stats = doc.Stats
	m.recountLocked()
	m.lastSaved = ContentHash(data)
	return nil
}

// Create appends a new enabled filter with no conditions or actions. The
// new filter sorts last: its priority is the collection length at creation.
func (m *Manager) Create(name, description string) *rules.Filter {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowMillis()
	f := &rules.Filter{
		ID:          m.newID(),
		Name:        name,
		Description: description,
		Enabled:     true,
		Priority:    len(m.filters),
		MatchAll:    true,
		Conditions:  []rules.Condition{},
		Actions:     []rules.Action{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.filters = append(m.filters, f)
	m.commitLocked()
	return f.Clone()
}

// FilterPatch carries the fields Update merges into an existing filter.
// Nil fields are left untouched.
type FilterPatch struct {
	Name        *string
	Description *string
	Enabled     *bool
	MatchAll    *bool
}

// Update merges the patch into the filter and refreshes its update
// timestamp. An unknown id is a silent no-op; callers that must surface
// absence check GetByID first.
func (m *Manager) Update(id string, patch FilterPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.findLocked(id)
	if f == nil {
		return
	}
	if patch.Name != nil {
		f.Name = *patch.Name
	}
	if patch.Description != nil {
		f.Description = *patch.Description
	}
	if patch.Enabled != nil {
		f.Enabled = *patch.Enabled
	}
	if patch.MatchAll != nil {
		f.MatchAll = *patch.MatchAll
	}
	f.UpdatedAt = m.nowMillis()
	m.commitLocked()
}

// Delete removes the filter. The selected-filter pointer is cleared when it
// referenced the removed id. Unknown ids are a no-op.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, f := range m.filters {
		if f.ID == id {
			m.filters = append(m.filters[:i], m.filters[i+1:]...)
			if m.selectedID == id {
				m.selectedID = ""
			}
			m.commitLocked()
			return
		}
	}
}

// Toggle flips the enabled flag.
func (m *Manager) Toggle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.findLocked(id)
	if f == nil {
		return
	}
	f.Enabled = !f.Enabled
	f.UpdatedAt = m.nowMillis()
	m.commitLocked()
}

// Duplicate deep-clones a filter under a fresh identity. Every condition
// and action receives a new id so the copy never aliases the original. The
// clone is appended and sorts last. Returns nil for unknown ids.
func (m *Manager) Duplicate(id string) *rules.Filter {
	m.mu.Lock()
	defer m.mu.Unlock()

	orig := m.findLocked(id)
	if orig == nil {
		return nil
	}

	now := m.nowMillis()
	dup := orig.Clone()
	dup.ID = m.newID()
	dup.Name = orig.Name + CopySuffix
	dup.Priority = len(m.filters)
	dup.CreatedAt = now
	dup.UpdatedAt = now
	for i := range dup.Conditions {
		dup.Conditions[i].ID = m.newID()
	}
	for i := range dup.Actions {
		dup.Actions[i].ID = m.newID()
	}
	m.filters = append(m.filters, dup)
	m.commitLocked()
	return dup.Clone()
}

// AddCondition appends an editable stub condition (subject contains "") to
// the filter and returns a copy of it. Returns nil for unknown filter ids.
func (m *Manager) AddCondition(filterID string) *rules.Condition {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.findLocked(filterID)
	if f == nil {
		return nil
	}
	cond := rules.Condition{
		ID:       m.newID(),
		Field:    rules.FieldSubject,
		Operator: rules.OperatorContains,
		Value:    "",
	}
	f.Conditions = append(f.Conditions, cond)
	f.UpdatedAt = m.nowMillis()
	m.commitLocked()
	return &cond
}

// ConditionPatch carries the fields UpdateCondition merges.
type ConditionPatch struct {
	Field    *rules.Field
	Operator *rules.Operator
	Value    *string
}

// UpdateCondition merges the patch into one condition of the filter.
// Unknown filter or condition ids are a silent no-op.
func (m *Manager) UpdateCondition(filterID, conditionID string, patch ConditionPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.findLocked(filterID)
	if f == nil {
		return
	}
	for i := range f.Conditions {
		if f.Conditions[i].ID != conditionID {
			continue
		}
		if patch.Field != nil {
			f.Conditions[i].Field = *patch.Field
		}
		if patch.Operator != nil {
			f.Conditions[i].Operator = *patch.Operator
		}
		if patch.Value != nil {
			f.Conditions[i].Value = *patch.Value
		}
		f.UpdatedAt = m.nowMillis()
		m.commitLocked()
		return
	}
}

// RemoveCondition deletes one condition from the filter.
func (m *Manager) RemoveCondition(filterID, conditionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.findLocked(filterID)
	if f == nil {
		return
	}
	for i := range f.Conditions {
		if f.Conditions[i].ID == conditionID {
			f.Conditions = append(f.Conditions[:i], f.Conditions[i+1:]...)
			f.UpdatedAt = m.nowMillis()
			m.commitLocked()
			return
		}
	}
}

// AddAction appends a default mark-as-read action, the one action that is
// safe whatever the user edits it into later. Returns nil for unknown ids.
func (m *Manager) AddAction(filterID string) *rules.Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.findLocked(filterID)
	if f == nil {
		return nil
	}
	action := rules.Action{
		ID:   m.newID(),
		Kind: rules.ActionMarkAsRead,
	}
	f.Actions = append(f.Actions, action)
	f.UpdatedAt = m.nowMillis()
	m.commitLocked()
	return &action
}

// ActionPatch carries the fields UpdateAction merges.
type ActionPatch struct {
	Kind  *rules.ActionKind
	Value *string
}

// UpdateAction merges the patch into one action of the filter.
func (m *Manager) UpdateAction(filterID, actionID string, patch ActionPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.findLocked(filterID)
	if f == nil {
		return
	}
	for i := range f.Actions {
		if f.Actions[i].ID != actionID {
			continue
		}
		if patch.Kind != nil {
			f.Actions[i].Kind = *patch.Kind
		}
		if patch.Value != nil {
			f.Actions[i].Value = *patch.Value
		}
		f.UpdatedAt = m.nowMillis()
		m.commitLocked()
		return
	}
}

// RemoveAction deletes one action from the filter.
func (m *Manager) RemoveAction(filterID, actionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.findLocked(filterID)
	if f == nil {
		return
	}
	for i := range f.Actions {
		if f.Actions[i].ID == actionID {
			f.Actions = append(f.Actions[:i], f.Actions[i+1:]...)
			f.UpdatedAt = m.nowMillis()
			m.commitLocked()
			return
		}
	}
}

// MoveFilter relocates the filter at fromIndex to toIndex and rewrites
// every filter's priority to its new positional index. Priority is always
// display order; it is never edited independently. Out-of-range indices
// are a no-op.
func (m *Manager) MoveFilter(fromIndex, toIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.filters)
	if fromIndex < 0 || fromIndex >= n || toIndex < 0 || toIndex >= n || fromIndex == toIndex {
		return
	}

	f := m.filters[fromIndex]
	m.filters = append(m.filters[:fromIndex], m.filters[fromIndex+1:]...)
	m.filters = append(m.filters[:toIndex], append([]*rules.Filter{f}, m.filters[toIndex:]...)...)

	now := m.nowMillis()
	for i, filter := range m.filters {
		if filter.Priority != i {
			filter.Priority = i
			filter.UpdatedAt = now
		}
	}
	m.commitLocked()
}

// GetByID returns a copy of the filter, or nil when the id is unknown.
func (m *Manager) GetByID(id string) *rules.Filter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f := m.findLocked(id); f != nil {
		return f.Clone()
	}
	return nil
}

// Filters returns a snapshot of the whole collection in priority order.
func (m *Manager) Filters() []*rules.Filter {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*rules.Filter, 0, len(m.filters))
	for _, f := range m.filters {
		out = append(out, f.Clone())
	}
	return out
}

// GetEnabled returns a snapshot of the enabled filters in priority order.
func (m *Manager) GetEnabled() []*rules.Filter {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*rules.Filter
	for _, f := range m.filters {
		if f.Enabled {
			out = append(out, f.Clone())
		}
	}
	return out
}

// Select records the UI's selected filter. Unknown ids clear the selection.
func (m *Manager) Select(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findLocked(id) == nil {
		m.selectedID = ""
		return
	}
	m.selectedID = id
}

// Selected returns the selected filter id, or "" when nothing is selected.
func (m *Manager) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectedID
}

// Stats returns a copy of the derived aggregate.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// RecordApplied notes that the delivery pipeline applied n intents from
// this account's filters.
func (m *Manager) RecordApplied(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.AppliedCount += int64(n)
	m.stats.LastApplied = m.nowMillis()
	m.scheduleSaveLocked()
}

// RecordFailure notes that the delivery pipeline failed to apply an intent.
// The engine never retries; it only keeps the statistics.
func (m *Manager) RecordFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.FailureCount++
	m.stats.LastFailureReason = reason
	m.scheduleSaveLocked()
}

// Flush writes the current snapshot synchronously, skipping the write when
// nothing changed since the last one.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	data, err := m.documentLocked().Encode()
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
	if err := store.SaveDocument(ctx, accountID, KindFilters, data); err != nil {
		metrics.DocumentSavesTotal.WithLabelValues(KindFilters, "error").Inc()
		return err
	}
	metrics.DocumentSavesTotal.WithLabelValues(KindFilters, "success").Inc()

	m.mu.Lock()
	m.lastSaved = hash
	m.mu.Unlock()
	return nil
}

// Close stops the snapshot timer and flushes pending state.
func (m *Manager) Close(ctx context.Context) error {
	return m.Flush(ctx)
}

// findLocked locates a filter by id. Callers hold m.mu.
func (m *Manager) findLocked(id string) *rules.Filter {
	for _, f := range m.filters {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// recountLocked patches the derived counters from the collection. It is the
// only place TotalRules and EnabledRules are written, so the invariant can
// not drift between call sites. Callers hold m.mu.
func (m *Manager) recountLocked() {
	total := len(m.filters)
	enabled := 0
	for _, f := range m.filters {
		if f.Enabled {
			enabled++
		}
	}
	m.stats.TotalRules = total
	m.stats.EnabledRules = enabled
}

// commitLocked finishes a mutation: recount stats in the same critical
// section, then schedule a debounced snapshot. Callers hold m.mu.
func (m *Manager) commitLocked() {
	m.recountLocked()
	m.scheduleSaveLocked()
}

func (m *Manager) scheduleSaveLocked() {
	if m.store == nil {
		return
	}
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	m.saveTimer = time.AfterFunc(m.saveDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// Transient store failures retry here; a mutation in the meantime
		// just reschedules, and the hash skip folds the writes together.
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
			logger.Error("ruleset: debounced snapshot failed", "account_id", m.accountID, "error", err)
		}
	})
}

func (m *Manager) documentLocked() *Document {
	return &Document{
		Version: DocumentFormatVersion,
		Filters: m.filters,
		Stats:   m.stats,
	}
}

func (m *Manager) nowMillis() int64 {
	return m.now().UnixMilli()
}
