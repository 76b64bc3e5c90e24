package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.bug.st/serial"

	"github.com/shaunagostinho/fixbridge/internal/config"
	"github.com/shaunagostinho/fixbridge/internal/gps"
)

var testFix = Fix{
	Latitude:  43.6532,
	Longitude: -79.3832,
	UpdatedAt: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
}

func TestFile_WritesJSON(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RuntimeFilePath = filepath.Join(t.TempDir(), "nested", "current_location.json")
	s := NewFile(config.NewStore(cfg, ""))

	if err := s.Write(context.Background(), testFix); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(cfg.RuntimeFilePath)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid json %s: %v", data, err)
	}
	if m["latitude"] != 43.6532 || m["longitude"] != -79.3832 {
		t.Errorf("unexpected coordinates in %s", data)
	}
	if _, ok := m["altitude"]; !ok || m["altitude"] != nil {
		t.Errorf("expected null altitude in %s", data)
	}
	if m["updated_at"] != "2026-10-17T12:00:00Z" {
		t.Errorf("unexpected updated_at in %s", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(cfg.RuntimeFilePath))
	if len(entries) != 1 {
		t.Errorf("expected temp files to be cleaned up, found %d entries", len(entries))
	}
}

func TestFile_Disabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WriteRuntimeFile = false
	cfg.RuntimeFilePath = filepath.Join(t.TempDir(), "fix.json")

	if err := NewFile(config.NewStore(cfg, "")).Write(context.Background(), testFix); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.RuntimeFilePath); !os.IsNotExist(err) {
		t.Errorf("expected no file when disabled, stat err=%v", err)
	}
}

func TestFile_ReportsFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.RuntimeFilePath = filepath.Join(blocker, "fix.json") // parent is a file

	if err := NewFile(config.NewStore(cfg, "")).Write(context.Background(), testFix); err == nil {
		t.Error("expected an error when the parent is not a directory")
	}
}

func TestFile_ConcurrentReadersNeverSeePartialFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RuntimeFilePath = filepath.Join(t.TempDir(), "fix.json")
	s := NewFile(config.NewStore(cfg, ""))
	if err := s.Write(context.Background(), testFix); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := os.ReadFile(cfg.RuntimeFilePath)
			if err != nil {
				t.Errorf("read: %v", err)
				return
			}
			if !json.Valid(data) {
				t.Errorf("partial file observed: %q", data)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		f := testFix
		f.Latitude = float64(i)
		if err := s.Write(context.Background(), f); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestMulti_JoinsErrors(t *testing.T) {
	var called []string
	ok := Func(func(context.Context, Fix) error { called = append(called, "ok"); return nil })
	bad := Func(func(context.Context, Fix) error { called = append(called, "bad"); return errors.New("boom") })

	m := Multi{{Name: "bad", Sink: bad}, {Name: "ok", Sink: ok}}
	err := m.Write(context.Background(), testFix)
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(called) != 2 {
		t.Errorf("expected every sink to be called, got %v", called)
	}
}

type fakePort struct {
	bytes.Buffer
	failWrites bool
	closed     bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.failWrites {
		return 0, errors.New("unplugged")
	}
	return p.Buffer.Write(b)
}

func (p *fakePort) Close() error { p.closed = true; return nil }

func TestSerial_EmitsParsableNMEA(t *testing.T) {
	port := &fakePort{}
	var gotMode *serial.Mode
	s := NewSerial(config.SerialConfig{PortPath: "/dev/ttyFAKE"})
	s.open = func(path string, mode *serial.Mode) (io.WriteCloser, error) {
		gotMode = mode
		return port, nil
	}

	alt := 76.0
	fix := testFix
	fix.Altitude = &alt
	if err := s.Write(context.Background(), fix); err != nil {
		t.Fatalf("write: %v", err)
	}
	if gotMode == nil || gotMode.BaudRate != 9600 {
		t.Errorf("expected default 9600 baud, got %+v", gotMode)
	}

	lines := strings.Split(strings.TrimSpace(port.String()), "\r\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 sentences, got %q", port.String())
	}
	s0, err := nmea.Parse(lines[0])
	if err != nil {
		t.Fatalf("parse %q: %v", lines[0], err)
	}
	gga, ok := s0.(nmea.GGA)
	if !ok {
		t.Fatalf("expected GGA first, got %T", s0)
	}
	if d := gga.Latitude - fix.Latitude; d > 1e-5 || d < -1e-5 {
		t.Errorf("latitude mismatch: %f vs %f", gga.Latitude, fix.Latitude)
	}
	if gga.Altitude != 76 {
		t.Errorf("expected altitude 76, got %f", gga.Altitude)
	}
	if !strings.HasPrefix(lines[1], "$GPRMC,") {
		t.Errorf("expected RMC second, got %q", lines[1])
	}
}

func TestSerial_ReopensAfterWriteError(t *testing.T) {
	first := &fakePort{failWrites: true}
	second := &fakePort{}
	ports := []*fakePort{first, second}
	opens := 0

	s := NewSerial(config.SerialConfig{PortPath: "/dev/ttyFAKE", BaudRate: 4800})
	s.open = func(string, *serial.Mode) (io.WriteCloser, error) {
		p := ports[opens]
		opens++
		return p, nil
	}

	if err := s.Write(context.Background(), testFix); err == nil {
		t.Fatal("expected first write to fail")
	}
	if !first.closed {
		t.Error("expected failed port to be closed")
	}
	if err := s.Write(context.Background(), testFix); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if opens != 2 || second.Len() == 0 {
		t.Errorf("expected reopen and write, opens=%d", opens)
	}
}

func TestSerial_OpenFailure(t *testing.T) {
	s := NewSerial(config.SerialConfig{PortPath: "/dev/ttyNONE"})
	s.open = func(string, *serial.Mode) (io.WriteCloser, error) { return nil, errors.New("no such device") }
	if err := s.Write(context.Background(), testFix); err == nil {
		t.Error("expected open failure to surface")
	}
}

// fakeMQTT satisfies mqtt.Client through the embedded interface; only the
// methods the sink calls are implemented.
type fakeMQTT struct {
	mqtt.Client
	connected bool
	topic     string
	qos       byte
	retained  bool
	payload   []byte
}

func (f *fakeMQTT) IsConnectionOpen() bool { return f.connected }

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.topic, f.qos, f.retained = topic, qos, retained
	f.payload, _ = payload.([]byte)
	return doneToken{}
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

func TestMQTT_PublishesRetainedJSON(t *testing.T) {
	client := &fakeMQTT{connected: true}
	m := newMQTTWithClient(client, config.MQTTConfig{Topic: "fix/latest", QoS: 1, Retained: true})

	if err := m.Write(context.Background(), testFix); err != nil {
		t.Fatalf("write: %v", err)
	}
	if client.topic != "fix/latest" || client.qos != 1 || !client.retained {
		t.Errorf("unexpected publish params %s/%d/%v", client.topic, client.qos, client.retained)
	}
	var got Fix
	if err := json.Unmarshal(client.payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.Triplet() != testFix.Triplet() {
		t.Errorf("unexpected payload %s", client.payload)
	}
}

func TestMQTT_NotConnected(t *testing.T) {
	m := newMQTTWithClient(&fakeMQTT{}, config.MQTTConfig{Topic: "t"})
	if err := m.Write(context.Background(), testFix); err == nil {
		t.Error("expected error while disconnected")
	}
}

func TestNewFix(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	f := NewFix(gps.Triplet{Latitude: 1, Longitude: 2, Altitude: 3, HasAltitude: true}, at)
	if f.Altitude == nil || *f.Altitude != 3 {
		t.Errorf("expected altitude 3, got %v", f.Altitude)
	}
	if f.UpdatedAt.Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %v", f.UpdatedAt.Location())
	}
}
