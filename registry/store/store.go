// Package store persists one PoolRegistry per chain as a JSON document.
// Writes go through a temporary sibling file and an atomic rename so
// concurrent readers never observe a torn document.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/registry"
)

// ErrStorageUnavailable wraps underlying I/O failures. Callers are expected
// to treat the registry as empty and continue; discovery repopulates it.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Store serializes writes per chain and owns the data directory layout.
type Store struct {
	dir    string
	logger chains.Logger

	mu     sync.Mutex
	chains map[uint64]*sync.Mutex
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string, logger chains.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data dir: %v", ErrStorageUnavailable, err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		chains: make(map[uint64]*sync.Mutex),
	}, nil
}

func (s *Store) path(chainID uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("pools_%d.json", chainID))
}

func (s *Store) chainLock(chainID uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.chains[chainID]
	if !ok {
		lock = &sync.Mutex{}
		s.chains[chainID] = lock
	}
	return lock
}

// PoolRegistry loads the persisted registry for a chain. A missing file
// yields an empty registry; a corrupt or unreadable file yields an empty
// registry plus ErrStorageUnavailable.
func (s *Store) PoolRegistry(chainID uint64) (*registry.PoolRegistry, error) {
	lock := s.chainLock(chainID)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.path(chainID))
	if errors.Is(err, os.ErrNotExist) {
		return registry.NewPoolRegistry(), nil
	}
	if err != nil {
		return registry.NewPoolRegistry(), fmt.Errorf("%w: reading registry for chain %d: %v", ErrStorageUnavailable, chainID, err)
	}

	reg := registry.NewPoolRegistry()
	if err := json.Unmarshal(data, reg); err != nil {
		return registry.NewPoolRegistry(), fmt.Errorf("%w: decoding registry for chain %d: %v", ErrStorageUnavailable, chainID, err)
	}
	if reg.Pools == nil {
		reg.Pools = make(map[string]registry.PoolMetadata)
	}
	if reg.PricingRoutes == nil {
		reg.PricingRoutes = make(map[string][]registry.PricingRoute)
	}
	return reg, nil
}

// SavePoolRegistry atomically replaces the persisted registry for a chain.
func (s *Store) SavePoolRegistry(chainID uint64, reg *registry.PoolRegistry) error {
	lock := s.chainLock(chainID)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding registry for chain %d: %v", ErrStorageUnavailable, chainID, err)
	}

	target := s.path(chainID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing registry for chain %d: %v", ErrStorageUnavailable, chainID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("%w: committing registry for chain %d: %v", ErrStorageUnavailable, chainID, err)
	}

	s.logger.Debug("Pool registry persisted", "chain_id", chainID, "pools", len(reg.Pools))
	return nil
}
