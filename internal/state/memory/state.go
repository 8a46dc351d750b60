// Package memory keeps fact and ledger state in-process for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// Store implements roster.FactBackend and roster.LedgerBackend in memory.
// SetFailures injects load and save errors.
type Store struct {
	mu     sync.Mutex
	facts  map[roster.FineTaskID]roster.FactValue
	ledger []roster.CoarseTaskID

	loadErr error
	saveErr error

	factSaves   int
	ledgerSaves int
}

// New returns an empty Store.
func New() *Store {
	return &Store{facts: make(map[roster.FineTaskID]roster.FactValue)}
}

// LoadFacts returns a copy of the stored facts.
func (s *Store) LoadFacts(context.Context) (map[roster.FineTaskID]roster.FactValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[roster.FineTaskID]roster.FactValue, len(s.facts))
	for id, value := range s.facts {
		out[id] = value
	}
	return out, nil
}

// SaveFacts replaces the stored facts.
func (s *Store) SaveFacts(_ context.Context, facts map[roster.FineTaskID]roster.FactValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.facts = make(map[roster.FineTaskID]roster.FactValue, len(facts))
	for id, value := range facts {
		s.facts[id] = value
	}
	s.factSaves++
	return nil
}

// LoadLedger returns a copy of the stored ledger.
func (s *Store) LoadLedger(context.Context) ([]roster.CoarseTaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]roster.CoarseTaskID(nil), s.ledger...), nil
}

// SaveLedger replaces the stored ledger.
func (s *Store) SaveLedger(_ context.Context, tasks []roster.CoarseTaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.ledger = append([]roster.CoarseTaskID(nil), tasks...)
	s.ledgerSaves++
	return nil
}

// FactSaves returns how many times SaveFacts succeeded.
func (s *Store) FactSaves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.factSaves
}

// LedgerSaves returns how many times SaveLedger succeeded.
func (s *Store) LedgerSaves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledgerSaves
}

// SetFailures sets the injected load and save errors.
func (s *Store) SetFailures(loadErr, saveErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = loadErr
	s.saveErr = saveErr
}
