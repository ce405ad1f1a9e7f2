// Package trust persists the known remote endpoints and their connection
// parameters.
package trust

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/edvin/podlab/internal/model"
)

const (
	configDirName = "podlab"
	hostsFile     = "hosts.yaml"
)

var (
	ErrNotFound  = errors.New("trust entry not found")
	ErrDuplicate = errors.New("trust entry already exists")
)

type document struct {
	Hosts []model.Endpoint `yaml:"hosts"`
}

// Store is a YAML file of endpoints keyed by alias. A single Store
// serializes its own readers and writers; separate processes are not
// coordinated.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a Store backed by path. The file is created on first Add.
func Open(path string) *Store {
	return &Store{path: path}
}

// DefaultPath returns $XDG_CONFIG_HOME/podlab/hosts.yaml (~/.config when unset).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	return filepath.Join(xdgConfig, configDirName, hostsFile), nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// List returns all entries sorted by alias.
func (s *Store) List() ([]model.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(doc.Hosts, func(i, j int) bool { return doc.Hosts[i].Alias < doc.Hosts[j].Alias })
	return doc.Hosts, nil
}

// Lookup returns the entry for alias.
func (s *Store) Lookup(alias string) (model.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return model.Endpoint{}, err
	}
	for _, h := range doc.Hosts {
		if h.Alias == alias {
			return h, nil
		}
	}
	return model.Endpoint{}, fmt.Errorf("%w: %s", ErrNotFound, alias)
}

// Add appends ep. An existing entry with the same alias is an error.
func (s *Store) Add(ep model.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	for _, h := range doc.Hosts {
		if h.Alias == ep.Alias {
			return fmt.Errorf("%w: %s", ErrDuplicate, ep.Alias)
		}
	}
	doc.Hosts = append(doc.Hosts, ep)
	return s.save(doc)
}

// Remove deletes the entry with ep's alias.
func (s *Store) Remove(ep model.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	kept := doc.Hosts[:0]
	removed := false
	for _, h := range doc.Hosts {
		if h.Alias == ep.Alias {
			removed = true
			continue
		}
		kept = append(kept, h)
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNotFound, ep.Alias)
	}
	doc.Hosts = kept
	return s.save(doc)
}

func (s *Store) load() (*document, error) {
	doc := &document{}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust store: %w", err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse trust store %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) save(doc *document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create trust store directory: %w", err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal trust store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write trust store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace trust store: %w", err)
	}
	return nil
}
