package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"autotrader/internal/errors"
	"autotrader/internal/models"
)

// storeDoc is the on-disk shape of strategies.yaml.
type storeDoc struct {
	Strategies []models.Strategy `yaml:"strategies"`
}

// Store persists the strategy collection to a YAML file. Writes go through
// a temp file and rename so no reader ever observes a torn document.
// Aliases (hyphenated variants, mixed case) are accepted on read and
// canonical names are written back.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (st *Store) Path() string {
	return st.path
}

// LoadAll reads every strategy, canonicalized and sorted by id.
func (st *Store) LoadAll() ([]models.Strategy, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loadLocked()
}

// Load returns one strategy by id.
func (st *Store) Load(id string) (*models.Strategy, error) {
	all, err := st.LoadAll()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			s := all[i]
			return &s, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrStrategyNotFound, "strategy %s", id)
}

// Upsert inserts or replaces a strategy and persists atomically.
func (st *Store) Upsert(s models.Strategy) error {
	s.Canonicalize()
	if err := s.Validate(); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()

	st.mu.Lock()
	defer st.mu.Unlock()

	all, err := st.loadLocked()
	if err != nil {
		return err
	}

	replaced := false
	for i := range all {
		if all[i].ID == s.ID {
			all[i] = s
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, s)
	}
	return st.writeLocked(all)
}

// Delete removes a strategy by id.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	all, err := st.loadLocked()
	if err != nil {
		return err
	}

	kept := all[:0]
	found := false
	for _, s := range all {
		if s.ID == id {
			found = true
			continue
		}
		kept = append(kept, s)
	}
	if !found {
		return errors.Wrapf(errors.ErrStrategyNotFound, "strategy %s", id)
	}
	return st.writeLocked(kept)
}

// ListActive returns the strategies that should be evaluated now, in
// deterministic id order.
func (st *Store) ListActive(now time.Time) ([]models.Strategy, error) {
	all, err := st.LoadAll()
	if err != nil {
		return nil, err
	}
	var active []models.Strategy
	for _, s := range all {
		if s.Active(now) {
			active = append(active, s)
		}
	}
	return active, nil
}

// ListScheduled returns strategies still waiting on their activation time.
func (st *Store) ListScheduled(now time.Time) ([]models.Strategy, error) {
	all, err := st.LoadAll()
	if err != nil {
		return nil, err
	}
	var scheduled []models.Strategy
	for _, s := range all {
		if s.ScheduleEnabled && !s.Phase.Terminal() {
			scheduled = append(scheduled, s)
		}
	}
	return scheduled, nil
}

func (st *Store) loadLocked() ([]models.Strategy, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading strategy store")
	}

	var doc storeDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing strategy store")
	}

	for i := range doc.Strategies {
		doc.Strategies[i].Canonicalize()
	}
	sort.Slice(doc.Strategies, func(i, j int) bool {
		return doc.Strategies[i].ID < doc.Strategies[j].ID
	})
	return doc.Strategies, nil
}

func (st *Store) writeLocked(strategies []models.Strategy) error {
	sort.Slice(strategies, func(i, j int) bool {
		return strategies[i].ID < strategies[j].ID
	})

	data, err := yaml.Marshal(storeDoc{Strategies: strategies})
	if err != nil {
		return errors.Wrap(err, "serializing strategy store")
	}

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating store directory")
	}

	tmp, err := os.CreateTemp(dir, ".strategies-*.yaml")
	if err != nil {
		return errors.Wrap(err, "creating temp store file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp store file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "syncing temp store file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp store file")
	}

	if err := os.Rename(tmpName, st.path); err != nil {
		return fmt.Errorf("replacing strategy store: %w", err)
	}
	return nil
}
