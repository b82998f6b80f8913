package paramstore

import (
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "isi_parameters.toml")
	s, err := New(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestGetMissingKeyFails(t *testing.T) {
	s := newTestStore(t)
	s.mu.Lock()
	delete(s.groups[GroupStimulus], "bar_width_degrees")
	s.mu.Unlock()

	if _, err := s.Get(GroupStimulus, "bar_width_degrees"); err == nil {
		t.Fatal("expected ConfigMissingError, got nil")
	}
}

func TestUpdateRejectsUnknownKey(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(GroupStimulus, map[string]any{"not_a_real_key": 1})
	if err == nil {
		t.Fatal("expected ValidationFailedError")
	}
	if _, ok := err.(*ValidationFailedError); !ok {
		t.Fatalf("expected *ValidationFailedError, got %T", err)
	}

	// group must be untouched
	g, _ := s.GetGroup(GroupStimulus)
	if _, present := g["not_a_real_key"]; present {
		t.Fatal("rejected key leaked into group")
	}
}

func TestFrontendAllowList(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpdateFromFrontend(GroupCamera, map[string]any{"width_px": 640}); err == nil {
		t.Fatal("expected FieldNotUserEditableError for camera.width_px")
	} else if _, ok := err.(*FieldNotUserEditableError); !ok {
		t.Fatalf("expected *FieldNotUserEditableError, got %T", err)
	}

	if err := s.UpdateFromFrontend(GroupCamera, map[string]any{"selected_name": "cam0"}); err != nil {
		t.Fatalf("selected_name should be user-editable: %v", err)
	}
}

func TestSubscribeIdempotentOrdering(t *testing.T) {
	s := newTestStore(t)

	var order []int
	cb1 := func(map[string]any) { order = append(order, 1) }
	cb2 := func(map[string]any) { order = append(order, 2) }

	h1 := s.Subscribe(GroupStimulus, "sub1", cb1)
	s.Subscribe(GroupStimulus, "sub2", cb2)

	if err := s.Update(GroupStimulus, map[string]any{"flicker_hz": 8.0}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected registration order [1 2], got %v", order)
	}

	s.Unsubscribe(h1)
	order = nil
	if err := s.Update(GroupStimulus, map[string]any{"flicker_hz": 9.0}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(order) != 1 || order[0] != 2 {
		t.Fatalf("expected only cb2 to fire after unsubscribe, got %v", order)
	}
}

func TestSubscribeSameIDIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	var calls int
	first := func(map[string]any) { calls++ }
	s.Subscribe(GroupStimulus, "dup", first)
	s.Subscribe(GroupStimulus, "dup", first) // identical re-subscribe, same id

	if err := s.Update(GroupStimulus, map[string]any{"flicker_hz": 8.0}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one callback invocation per update, got %d", calls)
	}

	s.mu.RLock()
	n := len(s.subs[GroupStimulus])
	s.mu.RUnlock()
	if n != 1 {
		t.Fatalf("expected one registration for a duplicate id, got %d", n)
	}
}

func TestVolatilePersistenceLaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isi_parameters.toml")
	s, err := New(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.UpdateFromFrontend(GroupCamera, map[string]any{"selected_name": "cam0"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// The file on disk must hold the sentinel default for the camera group,
	// never the live "cam0" selection.
	var onDisk map[string]map[string]any
	if _, err := toml.DecodeFile(path, &onDisk); err != nil {
		t.Fatalf("reading persisted file: %v", err)
	}
	if onDisk[GroupCamera]["selected_name"] != Descriptors[GroupCamera].Defaults["selected_name"] {
		t.Fatalf("volatile group was written to disk with a live value: got %v", onDisk[GroupCamera]["selected_name"])
	}

	// Reload from disk: camera group must equal sentinel defaults, never the
	// live "cam0" selection.
	s2, err := New(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	g, _ := s2.GetGroup(GroupCamera)
	if g["selected_name"] != Descriptors[GroupCamera].Defaults["selected_name"] {
		t.Fatalf("volatile group was not reset to sentinel on disk: got %v", g["selected_name"])
	}

	// But the original in-memory store still holds the live value.
	live, _ := s.GetGroup(GroupCamera)
	if live["selected_name"] != "cam0" {
		t.Fatalf("in-memory volatile value should remain live, got %v", live["selected_name"])
	}
}
