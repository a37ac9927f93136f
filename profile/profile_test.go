package profile

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/formfill/dbopen"
	"github.com/hazyhaar/formfill/element"
	"github.com/hazyhaar/formfill/storage"

	_ "modernc.org/sqlite"
)

func newStore(t *testing.T) (*Store, *storage.Adapter) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec(storage.Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	adapter, err := storage.NewWithDB(db, storage.Config{
		BatchWindow:       time.Hour,
		CompressThreshold: -1,
	})
	if err != nil {
		t.Fatalf("NewWithDB: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	return New(adapter, Config{}), adapter
}

func TestValue_WorkFallsBackToPersonal(t *testing.T) {
	s, _ := newStore(t)

	if err := s.Set(KindPersonal, element.TypeEmail, "me@home.example"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(KindWork, element.TypeOrganization, "ACME"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Work has its own organization but no email of its own.
	if v, ok := s.Value(KindWork, element.TypeOrganization); !ok || v != "ACME" {
		t.Errorf("Value(work, organization) = %q,%v, want ACME,true", v, ok)
	}
	if v, ok := s.Value(KindWork, element.TypeEmail); !ok || v != "me@home.example" {
		t.Errorf("Value(work, email) = %q,%v, want personal fallback", v, ok)
	}
	if _, ok := s.Value(KindPersonal, element.TypePhone); ok {
		t.Error("Value(personal, phone) = hit, want miss")
	}
}

func TestSet_Validates(t *testing.T) {
	s, _ := newStore(t)

	if err := s.Set("corporate", element.TypeEmail, "x"); err == nil {
		t.Error("unknown kind: got nil error")
	}
	if err := s.Set(KindPersonal, "favouriteColor", "blue"); err == nil {
		t.Error("unknown field type: got nil error")
	}
	if err := s.Set(KindPersonal, element.TypeNone, "x"); err == nil {
		t.Error("none as field type: got nil error")
	}
}

func TestUnset_RemovesOwnValueOnly(t *testing.T) {
	s, _ := newStore(t)

	if err := s.Set(KindPersonal, element.TypeCity, "Lyon"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(KindCustom, element.TypeCity, "Nice"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Unset(KindCustom, element.TypeCity); err != nil {
		t.Fatalf("Unset: %v", err)
	}

	// Custom's own value is gone; fallback still resolves.
	if v, ok := s.Value(KindCustom, element.TypeCity); !ok || v != "Lyon" {
		t.Errorf("Value(custom, city) = %q,%v, want Lyon via fallback", v, ok)
	}
	if got := s.Snapshot(KindCustom); len(got) != 0 {
		t.Errorf("Snapshot(custom) = %v, want empty", got)
	}
}

func TestLoad_RestoresAcrossRestart(t *testing.T) {
	s, adapter := newStore(t)

	if err := s.Set(KindPersonal, element.TypeFirstName, "Ada"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(KindWork, element.TypeOrganization, "Analytical Engines"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := adapter.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	fresh := New(adapter, Config{})
	if err := fresh.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v, ok := fresh.Value(KindPersonal, element.TypeFirstName); !ok || v != "Ada" {
		t.Errorf("Value(personal, firstName) = %q,%v, want Ada,true", v, ok)
	}
	if v, ok := fresh.Value(KindWork, element.TypeOrganization); !ok || v != "Analytical Engines" {
		t.Errorf("Value(work, organization) = %q,%v after reload", v, ok)
	}
}
