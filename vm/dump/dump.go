// Package dump captures heap diagnostics snapshots and serializes them
// with CBOR for transport to external tooling.
package dump

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/lumen/vm"
)

// maxTopStrings caps how many retained strings a snapshot records.
const maxTopStrings = 8

// Snapshot is a point-in-time view of a VM's heap: collector
// statistics, a live-object census keyed by object kind, and the
// largest retained strings, longest first.
type Snapshot struct {
	TakenAt    time.Time      `cbor:"1,keyasint"`
	Stats      Stats          `cbor:"2,keyasint"`
	Census     map[string]int `cbor:"3,keyasint"`
	TopStrings []string       `cbor:"4,keyasint,omitempty"`
}

// Stats mirrors the collector statistics in a wire-stable shape.
type Stats struct {
	LiveBytes   int           `cbor:"1,keyasint"`
	LiveObjects int           `cbor:"2,keyasint"`
	Collections uint64        `cbor:"3,keyasint"`
	LastPause   time.Duration `cbor:"4,keyasint"`
	LastSwept   int           `cbor:"5,keyasint"`
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("dump: invalid cbor options: %v", err))
	}
}

// Take captures a snapshot of m's heap.
func Take(m *vm.VM) Snapshot {
	st := m.Stats()
	return Snapshot{
		TakenAt: time.Now().UTC(),
		Stats: Stats{
			LiveBytes:   st.LiveBytes,
			LiveObjects: st.LiveObjects,
			Collections: st.Collections,
			LastPause:   st.LastPause,
			LastSwept:   st.LastSwept,
		},
		Census:     m.Census(),
		TopStrings: m.LargestStrings(maxTopStrings),
	}
}

// Marshal encodes a snapshot in canonical CBOR.
func Marshal(s Snapshot) ([]byte, error) {
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("dump: encode snapshot: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a snapshot.
func Unmarshal(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("dump: decode snapshot: %w", err)
	}
	return s, nil
}
