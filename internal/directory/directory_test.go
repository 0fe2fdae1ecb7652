package directory

import (
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *Directory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRecordAndLookup(t *testing.T) {
	d := openTemp(t)

	s := Sighting{ID: "peerA", IP: "10.0.0.2", MAC: "aabbccddeeff", ExternalIP: "203.0.113.5", ExternalPt: 5555, SeenAt: 100}
	if err := d.Record(s); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, ok := d.Lookup("peerA")
	if !ok {
		t.Fatalf("Lookup: ok = false")
	}
	if got != s {
		t.Errorf("Lookup = %+v, want %+v", got, s)
	}
}

func TestForgetRemovesFromMirrorAndDisk(t *testing.T) {
	d := openTemp(t)
	d.Record(Sighting{ID: "peerA", IP: "10.0.0.2", MAC: "aabbccddeeff", SeenAt: 1})

	if err := d.Forget("peerA"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok := d.Lookup("peerA"); ok {
		t.Errorf("Lookup after Forget: ok = true, want false")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d.Record(Sighting{ID: "peerA", IP: "10.0.0.2", MAC: "aabbccddeeff", SeenAt: 1})
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, ok := reopened.Lookup("peerA"); !ok {
		t.Errorf("sighting did not survive reopen")
	}
}

func TestAllReturnsEverySighting(t *testing.T) {
	d := openTemp(t)
	d.Record(Sighting{ID: "peerA", IP: "10.0.0.2", MAC: "aabbccddeeff", SeenAt: 1})
	d.Record(Sighting{ID: "peerB", IP: "10.0.0.3", MAC: "112233445566", SeenAt: 2})

	all := d.All()
	if len(all) != 2 {
		t.Fatalf("All() = %d sightings, want 2", len(all))
	}
}
