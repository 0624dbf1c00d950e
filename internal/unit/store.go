package unit

import (
	"encoding/json"
	"time"

	"github.com/foldlattice/agent/internal/errs"
	"github.com/foldlattice/agent/internal/kv"
)

// Store persists WUs in the `units` table (spec.md section 6's
// persisted-state table list): id -> {state, data} as a JSON string.
// Units are only written at or beyond CORE and deleted entirely at
// DONE, per spec.md section 3's lifecycle note.
type Store struct {
	table *kv.Table
}

// NewStore binds a Store to the units table.
func NewStore(table *kv.Table) *Store {
	return &Store{table: table}
}

// Save persists u if it has reached CORE or later; it is a no-op
// otherwise (ASSIGN/DOWNLOAD WUs are not yet worth surviving a
// restart). The raw transient payload bytes are never marshaled.
func (s *Store) Save(u *Unit) error {
	if !u.AtOrBeyondCore() {
		return nil
	}
	raw := u.Data.Raw
	u.Data.Raw = nil
	defer func() { u.Data.Raw = raw }()

	encoded, err := json.Marshal(u)
	if err != nil {
		return errs.Wrapf(err, "failed to marshal unit %s", u.ID)
	}
	return s.table.Set(u.ID, string(encoded))
}

// Delete removes a unit entirely, called once it reaches DONE.
func (s *Store) Delete(id string) error {
	return s.table.Delete(id)
}

// Load reloads every persisted unit. Per spec.md section 8 property 7,
// a reloaded RUN becomes CORE (there is no live subprocess to resume,
// so the unit must re-enter through the Core step to respawn).
func (s *Store) Load() ([]*Unit, error) {
	all, err := s.table.All()
	if err != nil {
		return nil, errs.Wrap(err, "failed to load persisted units")
	}

	units := make([]*Unit, 0, len(all))
	for id, raw := range all {
		var u Unit
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, errs.Wrapf(err, "failed to unmarshal unit %s", id)
		}
		if u.State == StateRun {
			u.State = StateCore
			u.StartTime = time.Time{}
		}
		units = append(units, &u)
	}
	return units, nil
}
