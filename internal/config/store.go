package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// ErrInvalidUpdate is returned when a patch carries a value of the wrong type.
var ErrInvalidUpdate = errors.New("invalid config update")

// Updatable lists the keys accepted by Store.Update.
var Updatable = []string{
	"target_url", "css_selector",
	"latitude_key", "longitude_key", "altitude_key", "gps_time_key",
	"gps_leap_seconds", "ntp_server", "poll_interval_sec",
}

// Store publishes the current *Config to concurrent readers. Readers always
// see a complete record; Update swaps in a new one.
type Store struct {
	cur  atomic.Pointer[Config]
	mu   sync.Mutex // serializes Update and file writes
	path string
}

// NewStore wraps cfg. path is where Update persists changes; empty disables
// persistence.
func NewStore(cfg *Config, path string) *Store {
	s := &Store{path: path}
	s.cur.Store(cfg.Clone())
	return s
}

// Load returns the current config. Callers must not modify it.
func (s *Store) Load() *Config {
	return s.cur.Load()
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Update applies the allow-listed keys of patch, publishes the result and
// persists the changed keys. Keys outside the allow-list are ignored. A
// persistence error is returned after the in-memory update took effect.
func (s *Store) Update(patch map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.Load().Clone()
	changed := make(map[string]any)
	for _, key := range Updatable {
		raw, ok := patch[key]
		if !ok {
			continue
		}
		val, err := next.set(key, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidUpdate, key, err)
		}
		changed[key] = val
	}
	if len(changed) == 0 {
		return changed, nil
	}

	s.cur.Store(next)

	if s.path == "" {
		return changed, nil
	}
	if err := s.persist(changed); err != nil {
		return changed, fmt.Errorf("persist %s: %w", s.path, err)
	}
	return changed, nil
}

func (c *Config) set(key string, raw any) (any, error) {
	switch key {
	case "target_url", "css_selector", "latitude_key", "longitude_key",
		"altitude_key", "gps_time_key", "ntp_server":
		v, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		switch key {
		case "target_url":
			c.TargetURL = v
		case "css_selector":
			c.CSSSelector = v
		case "latitude_key":
			c.LatitudeKey = v
		case "longitude_key":
			c.LongitudeKey = v
		case "altitude_key":
			c.AltitudeKey = v
		case "gps_time_key":
			c.GPSTimeKey = v
		case "ntp_server":
			c.NTPServer = v
		}
		return v, nil

	case "gps_leap_seconds":
		f, ok := toFloat(raw)
		if !ok || f != math.Trunc(f) || math.Abs(f) > 1e6 {
			return nil, fmt.Errorf("expected integer, got %v", raw)
		}
		c.GPSLeapSeconds = int(f)
		return c.GPSLeapSeconds, nil

	case "poll_interval_sec":
		f, ok := toFloat(raw)
		if !ok || f <= 0 || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected positive number, got %v", raw)
		}
		c.PollIntervalSec = f
		return f, nil
	}
	return nil, fmt.Errorf("not updatable")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// persist merges changed keys into the on-disk YAML mapping, preserving
// unrelated keys and comments. A missing file is written in full.
func (s *Store) persist(changed map[string]any) error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.saveLocked()
	}
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if doc.Kind == 0 {
		// empty file
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("top level is not a mapping")
	}
	root := doc.Content[0]

	keys := make([]string, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var val yaml.Node
		if err := val.Encode(changed[k]); err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		setMappingValue(root, k, &val)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(s.path, buf.Bytes(), 0644)
}

func setMappingValue(m *yaml.Node, key string, val *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			// keep any comment attached to the old value
			val.LineComment = m.Content[i+1].LineComment
			m.Content[i+1] = val
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		val,
	)
}

// Save writes the full current config to its YAML file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return fmt.Errorf("no config path")
	}
	data, err := yaml.Marshal(s.cur.Load())
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}
