// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/community-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore, ledger.AssessmentStore and
// ledger.Directory. The (unit, period) key map plays the role of the
// unique index.
type Memory struct {
	mu          sync.RWMutex
	obligations map[ledger.ObligationID]ledger.Obligation
	byPeriod    map[key]ledger.ObligationID
	assessments map[ledger.AssessmentID]ledger.Assessment
	units       map[ledger.UnitID]ledger.Unit
	residents   map[ledger.UnitID]ledger.ResidentID
}

type key struct {
	UnitID ledger.UnitID
	Period ledger.Period
}

func NewMemory() *Memory {
	return &Memory{
		obligations: make(map[ledger.ObligationID]ledger.Obligation),
		byPeriod:    make(map[key]ledger.ObligationID),
		assessments: make(map[ledger.AssessmentID]ledger.Assessment),
		units:       make(map[ledger.UnitID]ledger.Unit),
		residents:   make(map[ledger.UnitID]ledger.ResidentID),
	}
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

func (m *Memory) InsertObligation(_ context.Context, ob ledger.Obligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(ob)
}

func (m *Memory) insertLocked(ob ledger.Obligation) error {
	k := key{UnitID: ob.UnitID, Period: ob.Period}
	if _, taken := m.byPeriod[k]; taken {
		return ledger.ErrDuplicateObligation
	}
	if ob.Version == 0 {
		ob.Version = 1
	}
	m.obligations[ob.ID] = ob.Clone()
	m.byPeriod[k] = ob.ID
	return nil
}

func (m *Memory) UpdateObligation(_ context.Context, ob ledger.Obligation) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(ob)
}

func (m *Memory) updateLocked(ob ledger.Obligation) (int, error) {
	current, ok := m.obligations[ob.ID]
	if !ok {
		return 0, ledger.ErrObligationNotFound
	}
	if current.Version != ob.Version {
		return 0, ledger.ErrConcurrentModification
	}
	next := ob.Clone()
	next.Version = current.Version + 1
	m.obligations[ob.ID] = next
	return next.Version, nil
}

func (m *Memory) GetObligation(_ context.Context, id ledger.ObligationID) (*ledger.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id ledger.ObligationID) (*ledger.Obligation, error) {
	ob, ok := m.obligations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrObligationNotFound, id)
	}
	c := ob.Clone()
	return &c, nil
}

func (m *Memory) FindObligation(_ context.Context, unitID ledger.UnitID, period ledger.Period) (*ledger.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(unitID, period), nil
}

func (m *Memory) findLocked(unitID ledger.UnitID, period ledger.Period) *ledger.Obligation {
	id, ok := m.byPeriod[key{UnitID: unitID, Period: period}]
	if !ok {
		return nil
	}
	c := m.obligations[id].Clone()
	return &c
}

func (m *Memory) LatestObligation(_ context.Context, unitID ledger.UnitID) (*ledger.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.listLocked(unitID, ledger.ObligationFilter{})
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

func (m *Memory) ListObligations(_ context.Context, unitID ledger.UnitID, filter ledger.ObligationFilter) ([]ledger.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(unitID, filter), nil
}

func (m *Memory) listLocked(unitID ledger.UnitID, filter ledger.ObligationFilter) []ledger.Obligation {
	var result []ledger.Obligation
	for _, ob := range m.obligations {
		if ob.UnitID == unitID && filter.Matches(ob.State) {
			result = append(result, ob.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Period.Before(result[j].Period)
	})
	return result
}

func (m *Memory) ListOpenDueBefore(_ context.Context, t time.Time) ([]ledger.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Obligation
	for _, ob := range m.obligations {
		if (ob.State == ledger.StatePending || ob.State == ledger.StatePartial) && ob.DueDate.Before(t) {
			result = append(result, ob.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueDate.Before(result[j].DueDate)
	})
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	obligations map[ledger.ObligationID]ledger.Obligation
	byPeriod    map[key]ledger.ObligationID
}

func (m *Memory) snapshot() memorySnapshot {
	obs := make(map[ledger.ObligationID]ledger.Obligation, len(m.obligations))
	for k, v := range m.obligations {
		obs[k] = v.Clone()
	}
	idx := make(map[key]ledger.ObligationID, len(m.byPeriod))
	for k, v := range m.byPeriod {
		idx[k] = v
	}
	return memorySnapshot{obligations: obs, byPeriod: idx}
}

func (m *Memory) restore(s memorySnapshot) {
	m.obligations = s.obligations
	m.byPeriod = s.byPeriod
}

// txView accesses the parent without locking; WithTx holds the lock.
type txView struct {
	parent *Memory
}

func (tv *txView) InsertObligation(_ context.Context, ob ledger.Obligation) error {
	return tv.parent.insertLocked(ob)
}

func (tv *txView) UpdateObligation(_ context.Context, ob ledger.Obligation) (int, error) {
	return tv.parent.updateLocked(ob)
}

func (tv *txView) GetObligation(_ context.Context, id ledger.ObligationID) (*ledger.Obligation, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) FindObligation(_ context.Context, unitID ledger.UnitID, period ledger.Period) (*ledger.Obligation, error) {
	return tv.parent.findLocked(unitID, period), nil
}

func (tv *txView) LatestObligation(_ context.Context, unitID ledger.UnitID) (*ledger.Obligation, error) {
	list := tv.parent.listLocked(unitID, ledger.ObligationFilter{})
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

func (tv *txView) ListObligations(_ context.Context, unitID ledger.UnitID, filter ledger.ObligationFilter) ([]ledger.Obligation, error) {
	return tv.parent.listLocked(unitID, filter), nil
}

func (tv *txView) ListOpenDueBefore(_ context.Context, t time.Time) ([]ledger.Obligation, error) {
	var result []ledger.Obligation
	for _, ob := range tv.parent.obligations {
		if (ob.State == ledger.StatePending || ob.State == ledger.StatePartial) && ob.DueDate.Before(t) {
			result = append(result, ob.Clone())
		}
	}
	return result, nil
}

// =============================================================================
// ASSESSMENTS
// =============================================================================

func (m *Memory) InsertAssessment(_ context.Context, a ledger.Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.assessments[a.ID]; exists {
		return fmt.Errorf("assessment %s already exists", a.ID)
	}
	if a.Version == 0 {
		a.Version = 1
	}
	m.assessments[a.ID] = a.Clone()
	return nil
}

func (m *Memory) UpdateAssessment(_ context.Context, a ledger.Assessment) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.assessments[a.ID]
	if !ok {
		return 0, ledger.ErrAssessmentNotFound
	}
	if current.Version != a.Version {
		return 0, ledger.ErrConcurrentModification
	}
	next := a.Clone()
	next.Version = current.Version + 1
	m.assessments[a.ID] = next
	return next.Version, nil
}

func (m *Memory) GetAssessment(_ context.Context, id ledger.AssessmentID) (*ledger.Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assessments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAssessmentNotFound, id)
	}
	c := a.Clone()
	return &c, nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

// PutUnit registers or replaces a unit.
func (m *Memory) PutUnit(u ledger.Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u
}

// SetResident binds a resident to a unit; an empty id vacates it.
func (m *Memory) SetResident(unitID ledger.UnitID, residentID ledger.ResidentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if residentID == "" {
		delete(m.residents, unitID)
		return
	}
	m.residents[unitID] = residentID
}

func (m *Memory) Unit(_ context.Context, id ledger.UnitID) (*ledger.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnitNotFound, id)
	}
	return &u, nil
}

func (m *Memory) ResidentForUnit(_ context.Context, id ledger.UnitID) (*ledger.ResidentID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.residents[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}
