// Package registry holds the dynamic agent registry: a name to URL map that
// worker agents mutate at runtime, persisted to a JSON file so it survives
// restarts.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/basket/clawmesh/internal/apperr"
	"github.com/basket/clawmesh/internal/audit"
	"github.com/basket/clawmesh/internal/bus"
)

const fileVersion = 1

// AgentRecord is one registered agent.
type AgentRecord struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	RegisteredAt time.Time `json:"registered_at"`
}

// registryFile is the on-disk shape. Version 0 files carry only Agents.
type registryFile struct {
	Version      int                  `json:"version"`
	Agents       map[string]string    `json:"agents"`
	RegisteredAt map[string]time.Time `json:"registered_at,omitempty"`
}

// Store is the in-memory registry with write-through persistence.
type Store struct {
	mu       sync.RWMutex
	path     string
	agents   map[string]AgentRecord
	lastHash [sha256.Size]byte

	logger *slog.Logger
	bus    *bus.Bus
	now    func() time.Time
}

// Open loads the registry file at path if it exists. A missing file starts
// empty; an unreadable or corrupt file is logged and also starts empty.
func Open(path string, logger *slog.Logger, b *bus.Bus) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		agents: make(map[string]AgentRecord),
		logger: logger.With("component", "registry"),
		bus:    b,
		now:    time.Now,
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("registry file not found, starting empty", "path", path)
	case err != nil:
		s.logger.Warn("registry file unreadable, starting empty", "path", path, "error", err)
	default:
		agents, perr := s.parse(raw)
		if perr != nil {
			s.logger.Warn("registry file corrupt, starting empty", "path", path, "error", perr)
			break
		}
		s.agents = agents
		s.lastHash = sha256.Sum256(raw)
		s.logger.Info("registry loaded", "path", path, "agents", len(agents))
	}
	return s
}

// Path returns the registry file location.
func (s *Store) Path() string {
	return s.path
}

// Register upserts name → url. An existing name is overwritten with the new
// url and registration time (last write wins); agents re-register after a
// restart on a different address and must not be rejected for it. Register
// always succeeds in memory. A failed file write is logged as a persistence
// error and returned alongside the record so callers may surface it.
func (s *Store) Register(ctx context.Context, name, url string) (AgentRecord, error) {
	rec := AgentRecord{Name: name, URL: url, RegisteredAt: s.now().UTC()}

	s.mu.Lock()
	s.agents[name] = rec
	werr := s.persistLocked()
	s.mu.Unlock()

	outcome := audit.OutcomeOK
	if werr != nil {
		outcome = audit.OutcomeFailed
	}
	audit.Record(ctx, "agent.register", name, outcome, url)
	s.bus.Publish(bus.TopicAgentRegistered, bus.AgentEvent{Name: name, URL: url, At: rec.RegisteredAt})
	s.logger.Info("agent registered", "agent", name, "url", url)
	return rec, werr
}

// Get returns the record for name.
func (s *Store) Get(name string) (AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[name]
	if !ok {
		return AgentRecord{}, apperr.Newf(apperr.CodeNotFound, "agent %q not found", name)
	}
	return rec, nil
}

// Unregister removes name. It returns a not_found error when name is absent.
// As with Register, a failed file write does not undo the removal.
func (s *Store) Unregister(ctx context.Context, name string) error {
	s.mu.Lock()
	if _, ok := s.agents[name]; !ok {
		s.mu.Unlock()
		return apperr.Newf(apperr.CodeNotFound, "agent %q not found", name)
	}
	delete(s.agents, name)
	werr := s.persistLocked()
	s.mu.Unlock()

	outcome := audit.OutcomeOK
	if werr != nil {
		outcome = audit.OutcomeFailed
	}
	audit.Record(ctx, "agent.unregister", name, outcome, "")
	s.bus.Publish(bus.TopicAgentUnregistered, bus.AgentEvent{Name: name, At: s.now().UTC()})
	s.logger.Info("agent unregistered", "agent", name)
	return nil
}

// List returns every record sorted by name.
func (s *Store) List() []AgentRecord {
	s.mu.RLock()
	out := make([]AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns a copy of the name → url map.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.agents))
	for name, rec := range s.agents {
		out[name] = rec.URL
	}
	return out
}

// Count returns the number of registered agents.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// Reload re-reads the registry file and replaces the in-memory map. It
// reports false when the file content is what this store last wrote or
// read, in which case nothing changes. The read happens under the write
// lock so a snapshot can never be older than a committed Register.
func (s *Store) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("registry: read %s: %w", s.path, err)
	}
	sum := sha256.Sum256(raw)
	if sum == s.lastHash {
		return false, nil
	}
	agents, err := s.parse(raw)
	if err != nil {
		return false, fmt.Errorf("registry: parse %s: %w", s.path, err)
	}
	s.agents = agents
	s.lastHash = sum
	s.bus.Publish(bus.TopicRegistryReloaded, bus.RegistryReloadedEvent{Path: s.path, Agents: len(agents)})
	s.logger.Info("registry reloaded", "path", s.path, "agents", len(agents))
	return true, nil
}

func (s *Store) parse(raw []byte) (map[string]AgentRecord, error) {
	var f registryFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.Version > fileVersion {
		return nil, fmt.Errorf("unsupported registry file version %d", f.Version)
	}
	loadedAt := s.now().UTC()
	agents := make(map[string]AgentRecord, len(f.Agents))
	for name, url := range f.Agents {
		if name == "" || url == "" {
			continue
		}
		at, ok := f.RegisteredAt[name]
		if !ok || at.IsZero() {
			at = loadedAt
		}
		agents[name] = AgentRecord{Name: name, URL: url, RegisteredAt: at}
	}
	return agents, nil
}

// persistLocked writes the registry file atomically. Caller holds s.mu.
func (s *Store) persistLocked() error {
	f := registryFile{
		Version:      fileVersion,
		Agents:       make(map[string]string, len(s.agents)),
		RegisteredAt: make(map[string]time.Time, len(s.agents)),
	}
	for name, rec := range s.agents {
		f.Agents[name] = rec.URL
		f.RegisteredAt[name] = rec.RegisteredAt
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return s.persistFailed(err)
	}
	raw = append(raw, '\n')
	if err := writeFileAtomic(s.path, raw); err != nil {
		return s.persistFailed(err)
	}
	s.lastHash = sha256.Sum256(raw)
	return nil
}

func (s *Store) persistFailed(err error) error {
	perr := apperr.Wrap(apperr.CodePersistence, err, "registry file write failed")
	s.logger.Error("registry persist failed", "path", s.path, "error", perr)
	return perr
}

// writeFileAtomic writes data to a temp file next to path, fsyncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
