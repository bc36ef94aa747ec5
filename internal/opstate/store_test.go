package opstate

import (
	"errors"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("mqtt", "instance_id")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetGetUpsert(t *testing.T) {
	s := testStore(t)

	if err := s.Set("mqtt", "instance_id", "first"); err != nil {
		t.Fatalf("Set(first) error: %v", err)
	}
	if err := s.Set("mqtt", "instance_id", "second"); err != nil {
		t.Fatalf("Set(second) error: %v", err)
	}

	val, err := s.Get("mqtt", "instance_id")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "second" {
		t.Errorf("Get() = %q, want %q after upsert", val, "second")
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	if err := s.Set("ns", "key", "val"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Delete("ns", "key"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := s.Delete("ns", "never-set"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}

	val, err := s.Get("ns", "key")
	if err != nil {
		t.Fatalf("Get() after delete error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q after delete, want empty", val)
	}
}

func TestGetOrCreate(t *testing.T) {
	s := testStore(t)

	calls := 0
	create := func() (string, error) {
		calls++
		return "generated", nil
	}

	first, err := s.GetOrCreate("mqtt", "instance_id", create)
	if err != nil {
		t.Fatalf("GetOrCreate(1) error: %v", err)
	}
	second, err := s.GetOrCreate("mqtt", "instance_id", create)
	if err != nil {
		t.Fatalf("GetOrCreate(2) error: %v", err)
	}

	if first != "generated" || second != "generated" {
		t.Errorf("GetOrCreate() = %q, %q; want generated twice", first, second)
	}
	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}
}

func TestGetOrCreate_CreateError(t *testing.T) {
	s := testStore(t)

	_, err := s.GetOrCreate("mqtt", "instance_id", func() (string, error) {
		return "", errors.New("entropy exhausted")
	})
	if err == nil {
		t.Fatal("GetOrCreate() should propagate create error")
	}

	val, _ := s.Get("mqtt", "instance_id")
	if val != "" {
		t.Errorf("value persisted after failed create: %q", val)
	}
}

func TestList(t *testing.T) {
	s := testStore(t)

	s.Set("ns", "a", "1")
	s.Set("ns", "b", "2")
	s.Set("other", "c", "3")

	result, err := s.List("ns")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(result) != 2 || result["a"] != "1" || result["b"] != "2" {
		t.Errorf("List() = %v, want {a:1, b:2}", result)
	}

	empty, err := s.List("empty")
	if err != nil {
		t.Fatalf("List(empty) error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("List(empty) = %v, want empty non-nil map", empty)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	if _, err := NewStore("/nonexistent/path/state.db"); err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(1): %v", err)
	}
	if err := s1.Set("mqtt", "instance_id", "stable"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(2): %v", err)
	}
	defer s2.Close()

	val, err := s2.Get("mqtt", "instance_id")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "stable" {
		t.Errorf("Get() = %q after reopen, want %q", val, "stable")
	}
}
