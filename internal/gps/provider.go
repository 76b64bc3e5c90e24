package gps

import (
	"encoding/json"
	"math"
	"time"
)

// GPSEpoch is the zero point of GPS time (1980-01-06T00:00:00Z).
var GPSEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// Reading holds a single fix extracted from the source page.
// A Reading is never modified after it is built.
type Reading struct {
	Latitude   float64         // Decimal degrees
	Longitude  float64         // Decimal degrees
	Altitude   *float64        // Meters, nil when absent
	SourceTime *time.Time      // UTC, nil when absent
	Raw        json.RawMessage // Full payload object
}

// Triplet is the (latitude, longitude, altitude) tuple used for change detection.
type Triplet struct {
	Latitude    float64
	Longitude   float64
	Altitude    float64
	HasAltitude bool
}

// Triplet returns the change-detection key for r.
func (r Reading) Triplet() Triplet {
	t := Triplet{Latitude: r.Latitude, Longitude: r.Longitude}
	if r.Altitude != nil {
		t.Altitude = *r.Altitude
		t.HasAltitude = true
	}
	return t
}

// AltitudePtr returns the altitude as a pointer, nil when absent.
func (t Triplet) AltitudePtr() *float64 {
	if !t.HasAltitude {
		return nil
	}
	alt := t.Altitude
	return &alt
}

// MarshalJSON renders the triplet as [lat, lon, alt|null].
func (t Triplet) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{t.Latitude, t.Longitude, t.AltitudePtr()})
}

// FromGPSSeconds converts seconds since the GPS epoch to UTC by removing
// leapSeconds. Returns false for non-finite input.
func FromGPSSeconds(seconds float64, leapSeconds int) (time.Time, bool) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return time.Time{}, false
	}
	whole, frac := math.Modf(seconds)
	// time.Duration overflows past ~292 years.
	if math.Abs(whole) > float64(math.MaxInt64/int64(time.Second)) {
		return time.Time{}, false
	}
	t := GPSEpoch.
		Add(time.Duration(whole) * time.Second).
		Add(time.Duration(math.Round(frac * float64(time.Second)))).
		Add(-time.Duration(leapSeconds) * time.Second)
	return t, true
}
