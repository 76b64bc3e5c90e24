// Package acquire runs the poll loop that turns source pages into accepted
// fixes, skew metrics and update events.
package acquire

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/shaunagostinho/fixbridge/internal/broadcast"
	"github.com/shaunagostinho/fixbridge/internal/clock"
	"github.com/shaunagostinho/fixbridge/internal/config"
	"github.com/shaunagostinho/fixbridge/internal/gps"
	"github.com/shaunagostinho/fixbridge/internal/sink"
	"github.com/shaunagostinho/fixbridge/internal/state"
)

// Status notes written to the shared snapshot.
const (
	NoteUpdated   = "Location updated."
	NoteUnchanged = "No new location update."
)

// Extractor produces one reading per call.
type Extractor interface {
	Extract(ctx context.Context, cfg *config.Config) (gps.Reading, error)
}

// Clock exposes the latest network time estimate without blocking.
type Clock interface {
	Current() (clock.Estimate, bool)
}

// Loop is the only writer of the shared state.
type Loop struct {
	cfg  *config.Store
	x    Extractor
	clk  Clock
	st   *state.Store
	bc   *broadcast.Broadcaster
	sink sink.Sink
	now  func() time.Time

	// owned by the loop goroutine
	last     *gps.Triplet
	lastNote string
}

// New wires a loop. sink may be nil.
func New(cfg *config.Store, x Extractor, clk Clock, st *state.Store, bc *broadcast.Broadcaster, s sink.Sink) *Loop {
	return &Loop{cfg: cfg, x: x, clk: clk, st: st, bc: bc, sink: s, now: time.Now}
}

// Run executes cycles until ctx is cancelled. Cycles never overlap; a slow
// cycle delays the next one instead of queueing more.
func (l *Loop) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			start := time.Now()
			l.safeCycle(ctx)
			wait := l.cfg.Load().PollInterval() - time.Since(start)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		}
	}
}

func (l *Loop) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[acquire] cycle panic: %v", r)
			l.setNote(l.cfg.Load(), fmt.Sprintf("Error: internal: %v", r))
		}
	}()
	l.Cycle(ctx)
}

// Cycle runs one fetch/compare/publish step.
func (l *Loop) Cycle(ctx context.Context) {
	cfg := l.cfg.Load()
	reading, err := l.x.Extract(ctx, cfg)
	now := l.now()
	est, haveEst := l.clk.Current()

	if err != nil {
		if ctx.Err() != nil {
			return // shutting down
		}
		l.setNote(cfg, "Error: "+err.Error())
		return
	}

	skew, clocks := Skew(now, reading.SourceTime, est, haveEst)
	triplet := reading.Triplet()
	applySkew := func(s *state.Snapshot) {
		s.SourceURL = cfg.TargetURL
		s.RuntimeFilePath = cfg.RuntimeFilePath
		s.Skew = skew
		s.SourceTime, s.LocalTime, s.NetworkTime = clocks.Source, clocks.Local, clocks.Network
	}

	if l.last != nil && *l.last == triplet {
		l.st.Write(func(s *state.Snapshot) {
			applySkew(s)
			s.Note = NoteUnchanged
		})
		l.noteChanged(NoteUnchanged)
		return
	}

	accepted := reading
	l.bc.Commit(func() {
		l.st.Write(func(s *state.Snapshot) {
			applySkew(s)
			s.Reading = &accepted
			s.UpdatedAt = now
			s.Note = NoteUpdated
		})
	}, broadcast.Event{Triplet: triplet, Time: now})
	l.last = &triplet
	l.noteChanged(NoteUpdated)

	if l.sink != nil {
		if err := l.sink.Write(ctx, sink.NewFix(triplet, now)); err != nil {
			log.Printf("[sink] write failed: %v", err)
		}
	}
}

func (l *Loop) setNote(cfg *config.Config, note string) {
	l.st.Write(func(s *state.Snapshot) {
		s.SourceURL = cfg.TargetURL
		s.RuntimeFilePath = cfg.RuntimeFilePath
		s.Note = note
	})
	if l.noteChanged(note) {
		log.Printf("[acquire] %s", note)
	}
}

// noteChanged records note and reports whether it differs from the last one.
func (l *Loop) noteChanged(note string) bool {
	if note == l.lastNote {
		return false
	}
	l.lastNote = note
	return true
}

// Clocks are the three readings a cycle compared.
type Clocks struct {
	Source  *time.Time
	Local   *time.Time
	Network *time.Time
}

// Skew computes the cycle's metrics. Signs are local-source,
// network-local and network-source.
func Skew(now time.Time, source *time.Time, est clock.Estimate, haveEst bool) (state.SkewMetrics, Clocks) {
	var m state.SkewMetrics
	local := now
	c := Clocks{Source: source, Local: &local}

	if source != nil {
		m.LocalVsSourceMs = msPtr(now.Sub(*source))
	}
	if haveEst {
		network := est.Value
		c.Network = &network
		m.NetworkVsLocalMs = msPtr(network.Sub(now))
		if source != nil {
			m.NetworkVsSourceMs = msPtr(network.Sub(*source))
		}
	}
	return m, c
}

func msPtr(d time.Duration) *int64 {
	ms := int64(math.Round(float64(d) / float64(time.Millisecond)))
	return &ms
}

// ReplayFrom reconstructs the current reading as an update event.
func ReplayFrom(st *state.Store) broadcast.ReplayFunc {
	return func() (broadcast.Event, bool) {
		snap := st.Read()
		if snap.Reading == nil {
			return broadcast.Event{}, false
		}
		return broadcast.Event{Triplet: snap.Reading.Triplet(), Time: snap.UpdatedAt}, true
	}
}
