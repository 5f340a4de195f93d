// Package configstore implements the dotted-path configuration tree shared
// by the Agent and the Fleet Server: compiled defaults, a YAML user file,
// and environment variables, in that precedence order, with an
// encryption-at-rest layer for the subtree holding secrets.
//
// Layered on godotenv and yaml.v3, generalized from a fixed struct to an
// arbitrary dotted-path tree, since callers need get(path)/set(path,
// value) on paths neither side hard-codes in a struct (e.g.
// per-organization overlays).
package configstore

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sraths91/atlas-sub001/internal/envelope"
)

// Store is a thread-safe dotted-path key/value tree.
type Store struct {
	mu   sync.RWMutex
	tree map[string]any

	// secretPaths marks dotted paths that must be encrypted at rest.
	secretPaths map[string]bool

	path string // plaintext path passed to Load/Save, used to derive .encrypted/.salt
}

// New returns an empty Store seeded with defaults.
func New(defaults map[string]any) *Store {
	s := &Store{tree: map[string]any{}, secretPaths: map[string]bool{}}
	for k, v := range defaults {
		s.set(k, v)
	}
	return s
}

// MarkSecret flags a dotted path as sensitive: Save will route the whole
// tree through the strict envelope once any path is marked, since the
// persistence mode is a property of the store, not of individual keys,
// once it contains secrets.
func (s *Store) MarkSecret(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secretPaths[path] = true
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// Get returns the value at path and whether it was present.
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.tree, splitPath(path))
}

// GetString is a convenience accessor returning "" when absent or non-string.
func (s *Store) GetString(path string) string {
	v, ok := s.Get(path)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// GetInt is a convenience accessor returning 0 when absent or unparseable.
func (s *Store) GetInt(path string) int {
	v, ok := s.Get(path)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

// GetBool is a convenience accessor returning false when absent or unparseable.
func (s *Store) GetBool(path string) bool {
	v, ok := s.Get(path)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	default:
		return false
	}
}

func lookup(tree map[string]any, parts []string) (any, bool) {
	cur := any(tree)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Set writes value at path, creating intermediate maps as needed.
func (s *Store) Set(path string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(path, value)
}

func (s *Store) set(path string, value any) {
	parts := splitPath(path)
	cur := s.tree
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}

// LoadYAMLFile overlays path's YAML content onto the store (user-file
// precedence tier, below environment variables).
func (s *Store) LoadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("configstore: read %s: %w", path, err)
	}
	var decoded map[string]any
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("configstore: parse %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mergeInto(s.tree, decoded)
	return nil
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			existing, ok := dst[k].(map[string]any)
			if !ok {
				existing = map[string]any{}
				dst[k] = existing
			}
			mergeInto(existing, sub)
			continue
		}
		dst[k] = v
	}
}

// EnvOverlay describes one environment-variable-to-path binding, typed so
// the value lands in the tree with the right Go type: environment
// variables are typed by target (int/float/bool/string).
type EnvOverlay struct {
	EnvVar string
	Path   string
	Kind   Kind
}

// Kind is the target type an EnvOverlay coerces its environment variable into.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

// ApplyEnvOverlays reads each overlay's environment variable, if set, and
// writes the typed value at Path — the highest-precedence tier.
func (s *Store) ApplyEnvOverlays(overlays []EnvOverlay) error {
	for _, o := range overlays {
		raw, ok := os.LookupEnv(o.EnvVar)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		switch o.Kind {
		case KindInt:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("configstore: %s must be an int: %w", o.EnvVar, err)
			}
			s.Set(o.Path, n)
		case KindFloat:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("configstore: %s must be a float: %w", o.EnvVar, err)
			}
			s.Set(o.Path, f)
		case KindBool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("configstore: %s must be a bool: %w", o.EnvVar, err)
			}
			s.Set(o.Path, b)
		default:
			s.Set(o.Path, raw)
		}
	}
	return nil
}

// LoadDotEnv loads a .env file into the process environment (no-op if
// absent), ahead of ApplyEnvOverlays.
func LoadDotEnv(path string) {
	_ = godotenv.Load(path)
}

// snapshot returns a deep-enough copy of the tree for Save/serialization.
func (s *Store) snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.tree).(map[string]any)
}

// Snapshot returns a deep-enough copy of the whole config tree, for
// read-only admin-surface display (GET /api/admin/config).
// Secret-marked values are not redacted here: callers serving this to an
// authenticated admin session are expected to have already decided the
// admin role may see them.
func (s *Store) Snapshot() map[string]any {
	return s.snapshot()
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}

// hasSecrets reports whether the store carries any value flagged via
// MarkSecret; persistence switches to the strict envelope when the store
// contains secrets.
func (s *Store) hasSecrets() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secretPaths) > 0
}

// Save persists the tree to path. When the store has been marked as
// carrying secrets, Save writes <path>.encrypted + <path>.salt (mode
// 0600) via the strict envelope and removes any plaintext file at path;
// otherwise it writes plain YAML to path.
func (s *Store) Save(path string, key []byte) error {
	s.path = path
	data, err := yaml.Marshal(s.snapshot())
	if err != nil {
		return fmt.Errorf("configstore: marshal: %w", err)
	}

	if !s.hasSecrets() {
		return os.WriteFile(path, data, 0o644)
	}

	if len(key) != envelope.KeySize {
		return fmt.Errorf("configstore: encryption key must be %d bytes", envelope.KeySize)
	}

	salt, err := envelope.NewSalt()
	if err != nil {
		return err
	}
	derived := envelope.DeriveKey(string(key), salt, envelope.RecommendedKDFIterations)
	blob, err := envelope.StrictSeal(derived, data, []byte("configstore.v1"))
	if err != nil {
		return fmt.Errorf("configstore: seal: %w", err)
	}

	encPath := path + ".encrypted"
	saltPath := path + ".salt"
	if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
		return fmt.Errorf("configstore: write salt: %w", err)
	}
	if err := os.WriteFile(encPath, blob, 0o600); err != nil {
		return fmt.Errorf("configstore: write encrypted blob: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("configstore: remove plaintext after migration: %w", err)
		}
	}
	return nil
}

// Load populates the store from path. If <path>.encrypted exists, it is
// decrypted with key (derived against the salt persisted at <path>.salt);
// otherwise path is read as plain YAML.
func (s *Store) Load(path string, key []byte) error {
	s.path = path
	encPath := path + ".encrypted"
	saltPath := path + ".salt"

	if _, err := os.Stat(encPath); err == nil {
		salt, err := os.ReadFile(saltPath)
		if err != nil {
			return fmt.Errorf("configstore: read salt: %w", err)
		}
		blob, err := os.ReadFile(encPath)
		if err != nil {
			return fmt.Errorf("configstore: read encrypted blob: %w", err)
		}
		if len(key) != envelope.KeySize {
			return fmt.Errorf("configstore: decryption key must be %d bytes", envelope.KeySize)
		}
		derived := envelope.DeriveKey(string(key), salt, envelope.RecommendedKDFIterations)
		data, err := envelope.StrictOpen(derived, blob, []byte("configstore.v1"))
		if err != nil {
			return fmt.Errorf("configstore: decrypt: %w", err)
		}
		var decoded map[string]any
		if err := yaml.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("configstore: parse decrypted config: %w", err)
		}
		s.mu.Lock()
		mergeInto(s.tree, decoded)
		s.mu.Unlock()
		return nil
	}

	return s.LoadYAMLFile(path)
}
