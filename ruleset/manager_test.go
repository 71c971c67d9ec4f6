package ruleset

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/rules"
)

// memoryStore is a Store backed by a map, for tests.
type memoryStore struct {
	mu    sync.Mutex
	docs  map[string][]byte
	saves int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{docs: make(map[string][]byte)}
}

func (s *memoryStore) key(accountID int64, kind string) string {
	return fmt.Sprintf("%d/%s", accountID, kind)
}

func (s *memoryStore) LoadDocument(_ context.Context, accountID int64, kind string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[s.key(accountID, kind)]
	if !ok {
		return nil, consts.ErrDBNotFound
	}
	return data, nil
}

func (s *memoryStore) SaveDocument(_ context.Context, accountID int64, kind string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[s.key(accountID, kind)] = doc
	s.saves++
	return nil
}

func (s *memoryStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	seq := 0
	return NewManager(1, ManagerOptions{
		Clock: func() time.Time { return time.UnixMilli(1700000000000) },
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%04d", seq)
		},
	})
}

func TestManagerCreate(t *testing.T) {
	m := newTestManager(t)

	f := m.Create("Invoices", "route supplier invoices")
	require.NotNil(t, f)
	assert.Equal(t, "Invoices", f.Name)
	assert.Equal(t, "route supplier invoices", f.Description)
	assert.True(t, f.Enabled)
	assert.True(t, f.MatchAll)
	assert.Equal(t, 0, f.Priority)
	assert.Empty(t, f.Conditions)
	assert.Empty(t, f.Actions)
	assert.Equal(t, int64(1700000000000), f.CreatedAt)
	assert.Equal(t, f.CreatedAt, f.UpdatedAt)

	second := m.Create("Newsletters", "")
	assert.Equal(t, 1, second.Priority)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalRules)
	assert.Equal(t, 2, stats.EnabledRules)
}

func TestManagerCreateReturnsCopy(t *testing.T) {
	m := newTestManager(t)

	f := m.Create("Invoices", "")
	f.Name = "mutated"
	f.Enabled = false

	stored := m.GetByID(f.ID)
	require.NotNil(t, stored)
	assert.Equal(t, "Invoices", stored.Name)
	assert.True(t, stored.Enabled)
}

func TestManagerUpdate(t *testing.T) {
	m := newTestManager(t)
	f := m.Create("Invoices", "old")

	name := "Receipts"
	enabled := false
	m.Update(f.ID, FilterPatch{Name: &name, Enabled: &enabled})

	got := m.GetByID(f.ID)
	require.NotNil(t, got)
	assert.Equal(t, "Receipts", got.Name)
	assert.Equal(t, "old", got.Description)
	assert.False(t, got.Enabled)

	stats := m.Stats()
	assert.Equal(t, 1, stats.TotalRules)
	assert.Equal(t, 0, stats.EnabledRules)
}

func TestManagerUpdateUnknownIDIsNoop(t *testing.T) {
	m := newTestManager(t)
	m.Create("Invoices", "")

	name := "x"
	m.Update("no-such-id", FilterPatch{Name: &name})

	filters := m.Filters()
	require.Len(t, filters, 1)
	assert.Equal(t, "Invoices", filters[0].Name)
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	a := m.Create("A", "")
	b := m.Create("B", "")

	m.Select(b.ID)
	m.Delete(b.ID)

	assert.Nil(t, m.GetByID(b.ID))
	assert.NotNil(t, m.GetByID(a.ID))
	assert.Empty(t, m.Selected(), "deleting the selected filter clears the selection")

	stats := m.Stats()
	assert.Equal(t, 1, stats.TotalRules)
	assert.Equal(t, 1, stats.EnabledRules)
}

func TestManagerDeleteOtherKeepsSelection(t *testing.T) {
	m := newTestManager(t)
	a := m.Create("A", "")
	b := m.Create("B", "")

	m.Select(a.ID)
	m.Delete(b.ID)

	assert.Equal(t, a.ID, m.Selected())
}

func TestManagerToggle(t *testing.T) {
	m := newTestManager(t)
	f := m.Create("A", "")

	m.Toggle(f.ID)
	assert.False(t, m.GetByID(f.ID).Enabled)
	assert.Equal(t, 0, m.Stats().EnabledRules)

	m.Toggle(f.ID)
	assert.True(t, m.GetByID(f.ID).Enabled)
	assert.Equal(t, 1, m.Stats().EnabledRules)
}

func TestManagerDuplicate(t *testing.T) {
	m := newTestManager(t)
	orig := m.Create("Invoices", "desc")
	m.AddCondition(orig.ID)
	m.AddAction(orig.ID)

	dup := m.Duplicate(orig.ID)
	require.NotNil(t, dup)

	assert.Equal(t, "Invoices (copy)", dup.Name)
	assert.Equal(t, "desc", dup.Description)
	assert.Equal(t, 1, dup.Priority)
	assert.NotEqual(t, orig.ID, dup.ID)

	origNow := m.GetByID(orig.ID)
	require.Len(t, dup.Conditions, 1)
	require.Len(t, dup.Actions, 1)
	assert.NotEqual(t, origNow.Conditions[0].ID, dup.Conditions[0].ID)
	assert.NotEqual(t, origNow.Actions[0].ID, dup.Actions[0].ID)

	// Editing the copy must not bleed into the original.
	v := "urgent"
	m.UpdateCondition(dup.ID, dup.Conditions[0].ID, ConditionPatch{Value: &v})
	assert.Equal(t, "", m.GetByID(orig.ID).Conditions[0].Value)

	assert.Equal(t, 2, m.Stats().TotalRules)
}

func TestManagerDuplicateUnknownID(t *testing.T) {
	m := newTestManager(t)
	assert.Nil(t, m.Duplicate("no-such-id"))
}

func TestManagerConditionLifecycle(t *testing.T) {
	m := newTestManager(t)
	f := m.Create("A", "")

	cond := m.AddCondition(f.ID)
	require.NotNil(t, cond)
	assert.Equal(t, rules.FieldSubject, cond.Field)
	assert.Equal(t, rules.OperatorContains, cond.Operator)
	assert.Equal(t, "", cond.Value)

	field := rules.FieldFrom
	op := rules.OperatorEquals
	value := "billing@example.com"
	m.UpdateCondition(f.ID, cond.ID, ConditionPatch{Field: &field, Operator: &op, Value: &value})

	got := m.GetByID(f.ID)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, rules.FieldFrom, got.Conditions[0].Field)
	assert.Equal(t, rules.OperatorEquals, got.Conditions[0].Operator)
	assert.Equal(t, "billing@example.com", got.Conditions[0].Value)

	m.RemoveCondition(f.ID, cond.ID)
	assert.Empty(t, m.GetByID(f.ID).Conditions)
}

func TestManagerActionLifecycle(t *testing.T) {
	m := newTestManager(t)
	f := m.Create("A", "")

	action := m.AddAction(f.ID)
	require.NotNil(t, action)
	assert.Equal(t, rules.ActionMarkAsRead, action.Kind)
	assert.Equal(t, "", action.Value)

	kind := rules.ActionMoveToMailbox
	value := "Archive/Invoices"
	m.UpdateAction(f.ID, action.ID, ActionPatch{Kind: &kind, Value: &value})

	got := m.GetByID(f.ID)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, rules.ActionMoveToMailbox, got.Actions[0].Kind)
	assert.Equal(t, "Archive/Invoices", got.Actions[0].Value)

	m.RemoveAction(f.ID, action.ID)
	assert.Empty(t, m.GetByID(f.ID).Actions)
}

func TestManagerMoveFilterReindexesPriorities(t *testing.T) {
	m := newTestManager(t)
	a := m.Create("A", "")
	b := m.Create("B", "")
	c := m.Create("C", "")
	d := m.Create("D", "")
	_ = b

	m.MoveFilter(3, 0)

	filters := m.Filters()
	require.Len(t, filters, 4)
	assert.Equal(t, d.ID, filters[0].ID)
	assert.Equal(t, a.ID, filters[1].ID)
	assert.Equal(t, c.ID, filters[3].ID)
	for i, f := range filters {
		assert.Equal(t, i, f.Priority, "priority always equals positional index")
	}
}

func TestManagerMoveFilterOutOfRange(t *testing.T) {
	m := newTestManager(t)
	a := m.Create("A", "")
	m.Create("B", "")

	m.MoveFilter(-1, 0)
	m.MoveFilter(0, 5)
	m.MoveFilter(2, 0)

	filters := m.Filters()
	assert.Equal(t, a.ID, filters[0].ID)
}

func TestManagerGetEnabled(t *testing.T) {
	m := newTestManager(t)
	a := m.Create("A", "")
	b := m.Create("B", "")
	c := m.Create("C", "")
	m.Toggle(b.ID)

	enabled := m.GetEnabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, a.ID, enabled[0].ID)
	assert.Equal(t, c.ID, enabled[1].ID)
}

func TestManagerSelectUnknownIDClears(t *testing.T) {
	m := newTestManager(t)
	a := m.Create("A", "")

	m.Select(a.ID)
	assert.Equal(t, a.ID, m.Selected())

	m.Select("no-such-id")
	assert.Empty(t, m.Selected())
}

func TestManagerRecordAppliedAndFailure(t *testing.T) {
	m := newTestManager(t)
	m.Create("A", "")

	m.RecordApplied(3)
	m.RecordApplied(2)
	m.RecordFailure("mailbox gone")

	stats := m.Stats()
	assert.Equal(t, int64(5), stats.AppliedCount)
	assert.Equal(t, int64(1), stats.FailureCount)
	assert.Equal(t, "mailbox gone", stats.LastFailureReason)
	assert.Equal(t, int64(1700000000000), stats.LastApplied)
}

// The stats aggregate must equal a recount of the collection after any
// interleaving of mutations. Drive the manager with a random operation
// sequence against a shadow model and compare after every step.
func TestManagerStatsInvariantRandomized(t *testing.T) {
	m := newTestManager(t)
	rng := rand.New(rand.NewSource(42))

	var ids []string
	for i := 0; i < 1000; i++ {
		switch rng.Intn(5) {
		case 0:
			f := m.Create(fmt.Sprintf("f%d", i), "")
			ids = append(ids, f.ID)
		case 1:
			if len(ids) > 0 {
				id := ids[rng.Intn(len(ids))]
				m.Delete(id)
				for j, v := range ids {
					if v == id {
						ids = append(ids[:j], ids[j+1:]...)
						break
					}
				}
			}
		case 2:
			if len(ids) > 0 {
				m.Toggle(ids[rng.Intn(len(ids))])
			}
		case 3:
			if len(ids) > 0 {
				if dup := m.Duplicate(ids[rng.Intn(len(ids))]); dup != nil {
					ids = append(ids, dup.ID)
				}
			}
		case 4:
			if n := len(ids); n > 1 {
				m.MoveFilter(rng.Intn(n), rng.Intn(n))
			}
		}

		filters := m.Filters()
		enabled := 0
		for _, f := range filters {
			if f.Enabled {
				enabled++
			}
		}
		stats := m.Stats()
		require.Equal(t, len(filters), stats.TotalRules, "step %d", i)
		require.Equal(t, enabled, stats.EnabledRules, "step %d", i)
		for j, f := range filters {
			require.Equal(t, j, f.Priority, "step %d", i)
		}
	}
}

func TestManagerFlushAndLoadRoundTrip(t *testing.T) {
	store := newMemoryStore()
	seq := 0
	newID := func() string {
		seq++
		return fmt.Sprintf("id-%04d", seq)
	}
	opts := ManagerOptions{
		Store:     store,
		SaveDelay: time.Hour, // keep the debounce out of the test
		Clock:     func() time.Time { return time.UnixMilli(1700000000000) },
		NewID:     newID,
	}

	m := NewManager(7, opts)
	f := m.Create("Invoices", "d")
	m.AddCondition(f.ID)
	m.AddAction(f.ID)
	m.RecordApplied(4)
	require.NoError(t, m.Flush(context.Background()))

	restored := NewManager(7, opts)
	require.NoError(t, restored.Load(context.Background()))

	filters := restored.Filters()
	require.Len(t, filters, 1)
	assert.Equal(t, f.ID, filters[0].ID)
	assert.Len(t, filters[0].Conditions, 1)
	assert.Len(t, filters[0].Actions, 1)

	stats := restored.Stats()
	assert.Equal(t, 1, stats.TotalRules)
	assert.Equal(t, int64(4), stats.AppliedCount)
}

func TestManagerLoadMissingDocument(t *testing.T) {
	m := NewManager(7, ManagerOptions{Store: newMemoryStore()})
	require.NoError(t, m.Load(context.Background()))
	assert.Empty(t, m.Filters())
}

func TestManagerFlushSkipsUnchangedSnapshot(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(7, ManagerOptions{Store: store, SaveDelay: time.Hour})
	m.Create("A", "")

	require.NoError(t, m.Flush(context.Background()))
	require.NoError(t, m.Flush(context.Background()))

	assert.Equal(t, 1, store.saveCount())
}

func TestManagerDebouncedSave(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(7, ManagerOptions{Store: store, SaveDelay: 10 * time.Millisecond})
	m.Create("A", "")
	m.Create("B", "")

	assert.Eventually(t, func() bool {
		return store.saveCount() == 1
	}, time.Second, 5*time.Millisecond, "burst of mutations collapses into one write")
}
