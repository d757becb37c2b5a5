package generationstore

import (
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/always-cache/always-hsts/pkg/hsts"

	_ "github.com/glebarez/go-sqlite"
)

// GenerationProvider stores the configuration generations the proxy has loaded.
// Every successful load (startup or reload) is one generation.
//
// Implementations must be thread-safe!
type GenerationProvider interface {
	// Put stores a generation.
	Put(Generation) error
	// All returns up to limit generations, newest first.
	// A limit of zero or less returns all of them.
	All(limit int) ([]Generation, error)
	// Close releases the underlying storage.
	Close() error
}

// Generation is the record of one configuration load.
type Generation struct {
	ID       string        `json:"id"`
	LoadedAt time.Time     `json:"loadedAt"`
	Source   string        `json:"source"`
	Policies []ScopePolicy `json:"policies"`
}

// ScopePolicy is the resolved HSTS policy of a named scope.
type ScopePolicy struct {
	Scope  string      `json:"scope"`
	Policy hsts.Policy `json:"policy"`
}

type MemStore struct {
	mutex       *sync.RWMutex
	generations *[]Generation
}

func NewMemStore() MemStore {
	return MemStore{
		mutex:       &sync.RWMutex{},
		generations: &[]Generation{},
	}
}

func (m MemStore) Put(g Generation) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	*m.generations = append(*m.generations, g)
	return nil
}

func (m MemStore) All(limit int) ([]Generation, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	all := make([]Generation, len(*m.generations))
	copy(all, *m.generations)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].LoadedAt.After(all[j].LoadedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m MemStore) Close() error {
	return nil
}

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (and creates if needed) a generation store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) (SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStore{}, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS generations (
		id TEXT PRIMARY KEY,
		loaded_at INTEGER,
		source TEXT,
		policies BLOB
	)`)
	if err != nil {
		db.Close()
		return SQLiteStore{}, err
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS loaded_at_idx ON generations (loaded_at)")
	if err != nil {
		db.Close()
		return SQLiteStore{}, err
	}
	return SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStore) Put(g Generation) error {
	policies, err := json.Marshal(g.Policies)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec(`INSERT OR REPLACE INTO generations
		(id, loaded_at, source, policies) VALUES (?, ?, ?, ?)`,
		g.ID, g.LoadedAt.UnixNano(), g.Source, policies)
	return err
}

func (s SQLiteStore) All(limit int) ([]Generation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT id, loaded_at, source, policies
		FROM generations ORDER BY loaded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	generations := make([]Generation, 0)
	for rows.Next() {
		var (
			g        Generation
			loadedAt int64
			policies []byte
		)
		if err := rows.Scan(&g.ID, &loadedAt, &g.Source, &policies); err != nil {
			return generations, err
		}
		g.LoadedAt = time.Unix(0, loadedAt).UTC()
		if err := json.Unmarshal(policies, &g.Policies); err != nil {
			return generations, err
		}
		generations = append(generations, g)
	}
	return generations, rows.Err()
}

func (s SQLiteStore) Close() error {
	return s.db.Close()
}
