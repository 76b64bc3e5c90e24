// Package demo serves a simulated source page for running without a real
// device. Each request advances a fix walking a circle around a fixed point.
package demo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/shaunagostinho/fixbridge/internal/gps"
)

const (
	centerLat = 43.6532 // Toronto
	centerLon = -79.3832
	radius    = 0.005 // ~500m
)

// Source renders the simulated page.
type Source struct {
	mu          sync.Mutex
	t           float64 // virtual time accumulator
	leapSeconds int
	now         func() time.Time
}

// NewSource creates a Source whose GPS time is offset by leapSeconds.
func NewSource(leapSeconds int) *Source {
	return &Source{leapSeconds: leapSeconds, now: time.Now}
}

type location struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AltitudeMeters float64 `json:"altitudeMeters"`
	GPSTimeS       float64 `json:"gpsTimeS"`
}

// next advances the walk by one step.
func (s *Source) next() location {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t += 0.1

	now := s.now()
	gpsSeconds := now.Sub(gps.GPSEpoch).Seconds() + float64(s.leapSeconds)
	return location{
		Latitude:       centerLat + radius*math.Sin(s.t*0.1),
		Longitude:      centerLon + radius*math.Cos(s.t*0.1),
		AltitudeMeters: 76 + rand.Float64()*2,
		GPSTimeS:       gpsSeconds,
	}
}

func (s *Source) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := json.Marshal(map[string]any{"location": s.next()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html><head><title>Demo location</title></head>
<body><div class="Json-Text">%s</div></body></html>
`, html.EscapeString(string(payload)))
}

// Serve answers on ln until ctx is cancelled.
func (s *Source) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Printf("[demo] simulated source on http://%s/", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
