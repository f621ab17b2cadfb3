package roster

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"liarslie/internal/identity"
)

// DefaultPath is the roster file written at game start and read by every
// round. It holds identity material only; values and honesty stay with
// the agent processes.
const DefaultPath = "agents.config"

// Record is one published agent identity: id, dial address and the
// public key claims verify against.
type Record struct {
	ID     uint64 `json:"id"`
	Addr   string `json:"addr"`
	PubKey string `json:"pubkey"`
}

func (r Record) PublicKey() (ed25519.PublicKey, error) {
	return identity.ParsePubKey(r.PubKey)
}

// Directory is the in-memory roster view for one round. Read-only once
// loaded; rounds never mutate it.
type Directory struct {
	records []Record
	byID    map[uint64]Record
}

func NewDirectory(records []Record) (*Directory, error) {
	byID := make(map[uint64]Record, len(records))
	for _, rec := range records {
		if _, dup := byID[rec.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %d in roster", rec.ID)
		}
		if _, err := rec.PublicKey(); err != nil {
			return nil, fmt.Errorf("agent %d: %w", rec.ID, err)
		}
		byID[rec.ID] = rec
	}
	ordered := make([]Record, len(records))
	copy(ordered, records)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	return &Directory{records: ordered, byID: byID}, nil
}

// Load reads the roster file into a Directory snapshot.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, errors.New("roster is empty")
	}
	return NewDirectory(records)
}

// Save writes records to path as an ordered JSON array.
func Save(path string, records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func Remove(path string) error {
	return os.Remove(path)
}

func (d *Directory) Resolve(id uint64) (Record, bool) {
	rec, ok := d.byID[id]
	return rec, ok
}

// All returns the roster in id order.
func (d *Directory) All() []Record {
	out := make([]Record, len(d.records))
	copy(out, d.records)
	return out
}

func (d *Directory) Len() int {
	return len(d.records)
}

// Partition splits the roster into the directly reachable subset for a
// restricted round and the remainder, which must be fetched through
// relays. Ids absent from the roster are ignored.
func (d *Directory) Partition(directIDs []uint64) (direct, relayOnly []Record) {
	directSet := make(map[uint64]bool, len(directIDs))
	for _, id := range directIDs {
		directSet[id] = true
	}
	for _, rec := range d.records {
		if directSet[rec.ID] {
			direct = append(direct, rec)
		} else {
			relayOnly = append(relayOnly, rec)
		}
	}
	return direct, relayOnly
}
