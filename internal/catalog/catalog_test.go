package catalog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndGetSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	row := Row{
		SessionID:           "sess-1",
		Name:                "test-session",
		Dir:                 "/data/sessions/test-session",
		CreatedAt:           time.Now().Truncate(time.Second),
		DirectionsCompleted: []string{"LR"},
	}
	if err := c.RecordSession(row); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}

	got, ok, err := c.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected session to be found")
	}
	if got.Name != row.Name || len(got.DirectionsCompleted) != 1 {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestRecordSessionUpsertsOnConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	base := Row{SessionID: "sess-1", Name: "n", Dir: "d", CreatedAt: time.Now().Truncate(time.Second)}
	if err := c.RecordSession(base); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}

	updated := base
	updated.DirectionsCompleted = []string{"LR", "RL"}
	updated.InterruptionPoint = &InterruptionPoint{Direction: "TB", FramesCaptured: 12, LastCameraTimestampNs: 555}
	if err := c.RecordSession(updated); err != nil {
		t.Fatalf("RecordSession update: %v", err)
	}

	got, ok, err := c.Get("sess-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if len(got.DirectionsCompleted) != 2 {
		t.Fatalf("expected updated directions_completed, got %v", got.DirectionsCompleted)
	}
	if got.InterruptionPoint == nil || got.InterruptionPoint.Direction != "TB" {
		t.Fatalf("expected interruption point persisted, got %+v", got.InterruptionPoint)
	}
}

func TestListOrdersByCreatedAtDesc(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	older := time.Now().Add(-time.Hour).Truncate(time.Second)
	newer := time.Now().Truncate(time.Second)
	if err := c.RecordSession(Row{SessionID: "a", Name: "a", Dir: "a", CreatedAt: older}); err != nil {
		t.Fatalf("RecordSession a: %v", err)
	}
	if err := c.RecordSession(Row{SessionID: "b", Name: "b", Dir: "b", CreatedAt: newer}); err != nil {
		t.Fatalf("RecordSession b: %v", err)
	}

	rows, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 || rows[0].SessionID != "b" {
		t.Fatalf("expected newest first, got %+v", rows)
	}
}

func TestGetMissingSessionReturnsNotOk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	_, ok, err := c.Get("missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing session")
	}
}
