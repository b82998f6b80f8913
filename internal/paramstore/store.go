package paramstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// ConfigMissingError is returned by Get/GetGroup when a required key has no
// value. The store never fabricates a default for a missing key; callers
// must treat this as a hard configuration error.
type ConfigMissingError struct {
	Group, Key string
}

func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("paramstore: missing %s.%s", e.Group, e.Key)
}

// ValidationFailedError is returned by Update when a key is unknown to the
// group's descriptor, before any mutation happens.
type ValidationFailedError struct {
	Group, Key string
	Reason     string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("paramstore: validation failed for %s.%s: %s", e.Group, e.Key, e.Reason)
}

// FieldNotUserEditableError is returned by UpdateFromFrontend when a key is
// a capability/hardware-detection output rather than a user setting.
type FieldNotUserEditableError struct {
	Group, Key string
}

func (e *FieldNotUserEditableError) Error() string {
	return fmt.Sprintf("paramstore: %s.%s is not user-editable", e.Group, e.Key)
}

// Subscriber receives the partial mapping that was just merged into a group.
// Subscribers run synchronously on the caller's goroutine inside Update —
// they must not block or perform long-running work.
type Subscriber func(partial map[string]any)

// Store is the single source of truth for all runtime parameters. Every
// other component holds a reference to a Store, never a copy of its data.
type Store struct {
	mu     sync.RWMutex
	groups map[string]map[string]any
	subs   map[string][]subscription
	path   string
	log    *zap.SugaredLogger
}

type subscription struct {
	id string
	fn Subscriber
}

// New constructs a Store seeded from descriptor defaults, then loads
// path (if it exists) to override non-volatile groups. path is where
// subsequent Update calls persist non-volatile groups.
func New(path string, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		groups: make(map[string]map[string]any, len(Descriptors)),
		subs:   make(map[string][]subscription),
		path:   path,
		log:    log,
	}
	for group, desc := range Descriptors {
		g := make(map[string]any, len(desc.Defaults))
		for k, v := range desc.Defaults {
			g[k] = v
		}
		s.groups[group] = g
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("paramstore: reading %s: %w", path, err)
	}

	var onDisk map[string]map[string]any
	if err := toml.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("paramstore: parsing %s: %w", path, err)
	}
	for group, values := range onDisk {
		if VolatileGroups[group] {
			continue // volatile groups are never loaded from disk
		}
		dst, ok := s.groups[group]
		if !ok {
			continue
		}
		for k, v := range values {
			dst[k] = v
		}
	}
	return s, nil
}

// Get returns a single live value. Returns ConfigMissingError if unset.
func (s *Store) Get(group, key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[group]
	if !ok {
		return nil, &ConfigMissingError{Group: group, Key: key}
	}
	v, ok := g[key]
	if !ok || v == nil {
		return nil, &ConfigMissingError{Group: group, Key: key}
	}
	return v, nil
}

// GetGroup returns a copy of the live group mapping. The copy is a snapshot;
// mutating it has no effect on the store.
func (s *Store) GetGroup(group string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[group]
	if !ok {
		return nil, &ConfigMissingError{Group: group}
	}
	out := make(map[string]any, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out, nil
}

// Update validates partial against the group's descriptor, merges it into
// the live group, persists non-volatile groups atomically, then invokes
// subscribers for that group synchronously, in registration order.
//
// Validation happens entirely before any mutation: if any key in partial is
// unknown to the descriptor, the whole update is rejected and the group is
// left untouched.
func (s *Store) Update(group string, partial map[string]any) error {
	return s.update(group, partial, nil)
}

// UpdateFromFrontend is Update with the additional allow-list check: only
// keys the descriptor marks UserEditable may be set this way. Capability
// fields (resolution, fps, available-list) are rejected.
func (s *Store) UpdateFromFrontend(group string, partial map[string]any) error {
	desc, ok := Descriptors[group]
	if !ok {
		return &ValidationFailedError{Group: group, Reason: "unknown group"}
	}
	return s.update(group, partial, desc.UserEditable)
}

func (s *Store) update(group string, partial map[string]any, allowList map[string]bool) error {
	desc, ok := Descriptors[group]
	if !ok {
		return &ValidationFailedError{Group: group, Reason: "unknown group"}
	}
	validKeys := make(map[string]bool, len(desc.Keys))
	for _, k := range desc.Keys {
		validKeys[k] = true
	}
	for k := range partial {
		if !validKeys[k] {
			return &ValidationFailedError{Group: group, Key: k, Reason: "not a recognized key"}
		}
		if allowList != nil && !allowList[k] {
			return &FieldNotUserEditableError{Group: group, Key: k}
		}
	}

	s.mu.Lock()
	g, ok := s.groups[group]
	if !ok {
		g = make(map[string]any, len(partial))
		s.groups[group] = g
	}
	for k, v := range partial {
		g[k] = v
	}
	subs := append([]subscription(nil), s.subs[group]...)
	s.mu.Unlock()

	if err := s.persist(); err != nil && s.log != nil {
		s.log.Warnw("paramstore: persistence failed after update", "group", group, "error", err)
	}

	for _, sub := range subs {
		sub.fn(partial)
	}
	return nil
}

// Subscribe registers callback for a group under the caller-supplied id.
// Subscriptions are idempotent per (group, id): Go cannot compare arbitrary
// func values, so identity is the caller's token, not the callback value —
// subscribing the same id again replaces the previously registered callback
// in place rather than adding a second registration, so a given id fires
// exactly once per update regardless of how many times it subscribes.
// Distinct subscribers for the same group must use distinct ids.
func (s *Store) Subscribe(group, id string, callback Subscriber) *SubscriptionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs[group] {
		if sub.id == id {
			s.subs[group][i].fn = callback
			return &SubscriptionHandle{group: group, id: id}
		}
	}
	s.subs[group] = append(s.subs[group], subscription{id: id, fn: callback})
	return &SubscriptionHandle{group: group, id: id}
}

// Unsubscribe removes a subscription previously returned by Subscribe.
// Repeated calls with the same handle are a no-op.
func (s *Store) Unsubscribe(h *SubscriptionHandle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.subs[h.group]
	for i, sub := range list {
		if sub.id == h.id {
			s.subs[h.group] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// SubscriptionHandle identifies one registration returned by Subscribe.
type SubscriptionHandle struct {
	group string
	id    string
}

// persist writes non-volatile groups to disk via temp-file-then-rename in
// the same directory as the target, matching the teacher's atomic
// persistence discipline. Volatile groups are replaced with their sentinel
// defaults before writing; in-memory state is untouched.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	onDisk := make(map[string]map[string]any, len(s.groups))
	for group, values := range s.groups {
		if VolatileGroups[group] {
			onDisk[group] = cloneMap(Descriptors[group].Defaults)
			continue
		}
		onDisk[group] = cloneMap(values)
	}
	s.mu.RUnlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".isi_parameters-*.tmp")
	if err != nil {
		return fmt.Errorf("paramstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(onDisk); err != nil {
		tmp.Close()
		return fmt.Errorf("paramstore: encoding: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("paramstore: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("paramstore: closing temp file: %w", err)
	}

	backup := s.path + ".bak"
	if _, err := os.Stat(s.path); err == nil {
		_ = os.Rename(s.path, backup) // best effort: keep one previous backup
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("paramstore: renaming into place: %w", err)
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
