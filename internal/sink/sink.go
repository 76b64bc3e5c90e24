// Package sink holds best-effort outputs for accepted fixes. A failing sink
// never affects acquisition; callers only log the error.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shaunagostinho/fixbridge/internal/gps"
)

// Fix is the record handed to every sink.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *float64  `json:"altitude"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewFix builds a Fix from an accepted triplet.
func NewFix(t gps.Triplet, at time.Time) Fix {
	return Fix{Latitude: t.Latitude, Longitude: t.Longitude, Altitude: t.AltitudePtr(), UpdatedAt: at.UTC()}
}

// Triplet returns the change-detection key of f.
func (f Fix) Triplet() gps.Triplet {
	return gps.Reading{Latitude: f.Latitude, Longitude: f.Longitude, Altitude: f.Altitude}.Triplet()
}

// JSON encodes f the way the runtime file and the network sinks expect it.
func (f Fix) JSON() ([]byte, error) {
	return json.Marshal(f)
}

// Sink receives accepted fixes.
type Sink interface {
	Write(ctx context.Context, fix Fix) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, fix Fix) error

func (f Func) Write(ctx context.Context, fix Fix) error { return f(ctx, fix) }

// Named labels a sink in joined errors.
type Named struct {
	Name string
	Sink Sink
}

// Multi writes to every sink in order and joins their errors.
type Multi []Named

func (m Multi) Write(ctx context.Context, fix Fix) error {
	var errs []error
	for _, n := range m {
		if err := n.Sink.Write(ctx, fix); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer-like Close() error.
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if c, ok := n.Sink.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
