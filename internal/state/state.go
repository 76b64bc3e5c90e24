// Package state holds the shared snapshot written by the acquisition loop
// and read by the HTTP surface.
package state

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shaunagostinho/fixbridge/internal/gps"
)

// InitialNote is the status before the first cycle completes.
const InitialNote = "Waiting for first update..."

// SkewMetrics are millisecond differences between the three clocks. Signs:
// local minus source, network minus local, network minus source.
type SkewMetrics struct {
	LocalVsSourceMs   *int64 `json:"delta_pc_vs_gps_ms"`
	NetworkVsLocalMs  *int64 `json:"delta_ntp_vs_pc_ms"`
	NetworkVsSourceMs *int64 `json:"delta_ntp_vs_gps_ms"`
}

// Snapshot is the single shared record.
type Snapshot struct {
	Reading   *gps.Reading // last accepted reading, nil until the first
	UpdatedAt time.Time    // when Reading was accepted
	Note      string

	SourceURL       string
	RuntimeFilePath string

	// Clock readings from the last successful cycle
	SourceTime  *time.Time
	LocalTime   *time.Time
	NetworkTime *time.Time
	Skew        SkewMetrics
}

type snapshotJSON struct {
	Latitude        *float64        `json:"latitude"`
	Longitude       *float64        `json:"longitude"`
	Altitude        *float64        `json:"altitude"`
	LastRaw         json.RawMessage `json:"last_raw"`
	LastUpdateISO   *string         `json:"last_update_iso"`
	Note            string          `json:"note"`
	RuntimeFilePath string          `json:"runtime_file_path"`
	SourceURL       string          `json:"src_url"`
	GPSTimeISO      *string         `json:"gps_time_iso"`
	PCTimeISO       *string         `json:"pc_time_iso"`
	NTPTimeISO      *string         `json:"ntp_time_iso"`
	SkewMetrics
}

// MarshalJSON flattens the snapshot; absent values encode as null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Note:            s.Note,
		RuntimeFilePath: s.RuntimeFilePath,
		SourceURL:       s.SourceURL,
		GPSTimeISO:      isoPtr(s.SourceTime),
		PCTimeISO:       isoPtr(s.LocalTime),
		NTPTimeISO:      isoPtr(s.NetworkTime),
		SkewMetrics:     s.Skew,
		LastRaw:         json.RawMessage("null"),
	}
	if r := s.Reading; r != nil {
		lat, lon := r.Latitude, r.Longitude
		out.Latitude, out.Longitude, out.Altitude = &lat, &lon, r.Altitude
		if len(r.Raw) > 0 {
			out.LastRaw = r.Raw
		}
		out.LastUpdateISO = isoPtr(&s.UpdatedAt)
	}
	return json.Marshal(out)
}

// ISO formats t the way every timestamp leaves this process.
func ISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isoPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := ISO(*t)
	return &s
}

// Store guards a Snapshot. One goroutine writes; any number read.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

// New returns a store seeded with initial.
func New(initial Snapshot) *Store {
	if initial.Note == "" {
		initial.Note = InitialNote
	}
	return &Store{snap: initial}
}

// Read returns a consistent copy. The Reading it points to is immutable.
func (s *Store) Read() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Write applies fn under the lock. fn must not block.
func (s *Store) Write(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
}
