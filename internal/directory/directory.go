// Package directory persists last-known peer sightings (id, ip, mac,
// optional external hint) across restarts in an embedded BoltDB file, so
// a node can attempt reconnection to previously-seen peers' external
// endpoints before the first presence update arrives after a crash. It
// mirrors the on-disk records in memory for O(1) lookup, refreshing the
// mirror on every write and pruning it on every delete.
package directory

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var sightingsBucket = []byte("sightings")

// Sighting is the last-known state for one peer identity.
type Sighting struct {
	ID         string `json:"id"`
	IP         string `json:"ip"`
	MAC        string `json:"mac"`
	ExternalIP string `json:"external_ip,omitempty"`
	ExternalPt int    `json:"external_port,omitempty"`
	SeenAt     int64  `json:"seen_at"`
}

// Directory is a BoltDB-backed sighting cache with an in-memory mirror.
type Directory struct {
	db *bbolt.DB

	mu     sync.RWMutex
	mirror map[string]Sighting
}

// Open opens (creating if absent) the BoltDB file at path and loads its
// contents into the in-memory mirror.
func Open(path string) (*Directory, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("directory: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sightingsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: create bucket: %w", err)
	}

	d := &Directory{db: db, mirror: make(map[string]Sighting)}
	if err := d.loadMirror(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Directory) loadMirror() error {
	return d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sightingsBucket)
		return b.ForEach(func(k, v []byte) error {
			var s Sighting
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("directory: decode sighting %s: %w", k, err)
			}
			d.mirror[string(k)] = s
			return nil
		})
	})
}

// Record persists (or refreshes) a sighting, keyed by peer id.
func (d *Directory) Record(s Sighting) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("directory: encode sighting: %w", err)
	}

	if err := d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sightingsBucket).Put([]byte(s.ID), data)
	}); err != nil {
		return fmt.Errorf("directory: put %s: %w", s.ID, err)
	}

	d.mu.Lock()
	d.mirror[s.ID] = s
	d.mu.Unlock()
	return nil
}

// Forget removes a sighting, e.g. on presence=unavailable / table Remove.
func (d *Directory) Forget(id string) error {
	if err := d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sightingsBucket).Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("directory: delete %s: %w", id, err)
	}

	d.mu.Lock()
	delete(d.mirror, id)
	d.mu.Unlock()
	return nil
}

// Lookup returns the last-known sighting for id, if any.
func (d *Directory) Lookup(id string) (Sighting, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.mirror[id]
	return s, ok
}

// All returns every known sighting, for reconnection-attempt seeding at
// startup.
func (d *Directory) All() []Sighting {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Sighting, 0, len(d.mirror))
	for _, s := range d.mirror {
		out = append(out, s)
	}
	return out
}

// Close releases the underlying database file.
func (d *Directory) Close() error { return d.db.Close() }
