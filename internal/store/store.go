// Package store persists the control plane's board documents as
// pretty-printed JSON files under the data directory. Every write takes a
// .backup snapshot of the previous contents first, and every successful
// write is announced on the bus so dashboards refresh without polling.
// Reads never fail on a missing or mangled file: the document's default
// shape comes back instead, with a warning in the log.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/mission-control/internal/bus"
)

// ErrUnknownDoc is returned for document names the store does not manage.
var ErrUnknownDoc = errors.New("unknown document")

// Known document names.
const (
	DocTasks       = "tasks"
	DocAgents      = "agents"
	DocPreferences = "preferences"
	DocChecks      = "heartbeat-checks"
)

// docSchemas holds the structural schema each document must satisfy on read.
// A file that parses but fails its schema is treated the same as a missing
// file: the default shape wins.
var docSchemas = map[string]string{
	DocTasks: `{
		"type": "object",
		"required": ["tasks", "nextId"],
		"properties": {
			"tasks": {"type": "array"},
			"nextId": {"type": "number"}
		}
	}`,
	DocAgents: `{
		"type": "object",
		"required": ["agents"],
		"properties": {"agents": {"type": "array"}}
	}`,
	DocPreferences: `{
		"type": "object",
		"required": ["preferences"],
		"properties": {"preferences": {"type": "array"}}
	}`,
	DocChecks: `{
		"type": "object",
		"required": ["checks"],
		"properties": {"checks": {"type": "array"}}
	}`,
}

// docDefaults is the shape handed back when a document is missing or invalid.
// The agents default seeds the main agent so a fresh install has a working
// board.
var docDefaults = map[string]string{
	DocTasks:       `{"tasks": [], "nextId": 1}`,
	DocAgents:      `{"agents": [{"id": "main", "name": "Main", "role": "Lead / Personal Assistant", "sessionKey": "agent:main:main", "level": "lead"}]}`,
	DocPreferences: `{"preferences": []}`,
	DocChecks:      `{"checks": []}`,
}

// Store reads and writes board documents.
type Store struct {
	dataDir string
	logger  *slog.Logger
	bus     *bus.Bus

	mu      sync.Mutex // serializes backup+write per store
	schemas map[string]*jsonschema.Schema
}

// New builds a Store over dataDir. Compiles the per-document schemas once.
func New(dataDir string, logger *slog.Logger, b *bus.Bus) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dataDir: dataDir,
		logger:  logger.With("component", "store"),
		bus:     b,
		schemas: make(map[string]*jsonschema.Schema, len(docSchemas)),
	}
	for name, raw := range docSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name+".schema.json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", name, err)
		}
		schema, err := c.Compile(name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		s.schemas[name] = schema
	}
	return s, nil
}

// Path returns the on-disk location of a document.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dataDir, name+".json")
}

// Read loads a document. Missing, unparsable, or schema-invalid files
// yield the document's default shape and a warning; they never error.
// Unknown document names return ErrUnknownDoc.
func (s *Store) Read(name string) (map[string]any, error) {
	defaultJSON, ok := docDefaults[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDoc, name)
	}

	raw, err := os.ReadFile(s.Path(name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("document unreadable, using defaults", "doc", name, "error", err)
		}
		return s.defaults(defaultJSON)
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		s.logger.Warn("document is not valid JSON, using defaults", "doc", name, "error", err)
		return s.defaults(defaultJSON)
	}
	if err := s.schemas[name].Validate(parsed); err != nil {
		s.logger.Warn("document failed validation, using defaults", "doc", name, "error", err)
		return s.defaults(defaultJSON)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return s.defaults(defaultJSON)
	}
	return out, nil
}

func (s *Store) defaults(defaultJSON string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(defaultJSON), &out); err != nil {
		return nil, fmt.Errorf("decode default document: %w", err)
	}
	return out, nil
}

// Write persists a document: snapshots the current file to <name>.json.backup
// (best effort), writes the new contents via a temp file and atomic rename,
// then publishes a data.update event. Unknown names return ErrUnknownDoc.
func (s *Store) Write(name string, doc map[string]any) error {
	if _, ok := docDefaults[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDoc, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if err := copyFile(path, path+".backup"); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("backup snapshot failed", "doc", name, "error", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", name, err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicDataUpdate, bus.DataUpdateEvent{Name: name, Data: doc})
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
