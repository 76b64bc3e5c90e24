// Package extract pulls a single fix out of a JSON document embedded in an
// HTML page.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/shaunagostinho/fixbridge/internal/config"
	"github.com/shaunagostinho/fixbridge/internal/gps"
)

// Failure kinds, matched with errors.Is.
var (
	ErrFetch              = errors.New("fetch failed")
	ErrSelectorNotFound   = errors.New("selector not found")
	ErrPayloadParse       = errors.New("payload parse failed")
	ErrNotAnObject        = errors.New("payload is not an object")
	ErrMissingCoordinates = errors.New("missing coordinates")
)

// Error is a classified extraction failure. Its message is the status note
// shown to users.
type Error struct {
	Kind   error
	Detail string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrFetch:
		return "HTTP error: " + e.Detail
	case ErrSelectorNotFound:
		return fmt.Sprintf("Selector '%s' not found", e.Detail)
	case ErrPayloadParse:
		return "Parse error: " + e.Detail
	case ErrNotAnObject:
		return "JSON root is not an object"
	case ErrMissingCoordinates:
		return "Latitude/longitude not found or invalid with configured key paths"
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() error { return e.Kind }

const maxBodyBytes = 16 << 20

// Extractor performs one fetch+select+parse cycle per call. It keeps no
// state between calls and is safe for concurrent use.
type Extractor struct {
	client *http.Client
}

// New returns an Extractor using client, or a default client when nil.
func New(client *http.Client) *Extractor {
	if client == nil {
		client = &http.Client{}
	}
	return &Extractor{client: client}
}

// Extract fetches cfg.TargetURL and resolves the configured field paths.
func (x *Extractor) Extract(ctx context.Context, cfg *config.Config) (gps.Reading, error) {
	text, err := x.fetchPayload(ctx, cfg)
	if err != nil {
		return gps.Reading{}, err
	}
	return Parse(text, cfg)
}

func (x *Extractor) fetchPayload(ctx context.Context, cfg *config.Config) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.TargetURL, nil)
	if err != nil {
		return "", &Error{Kind: ErrFetch, Detail: err.Error()}
	}
	req.Header.Set("User-Agent", "fixbridge/1")

	resp, err := x.client.Do(req)
	if err != nil {
		return "", &Error{Kind: ErrFetch, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{Kind: ErrFetch, Detail: fmt.Sprintf("%s for url: %s", resp.Status, cfg.TargetURL)}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", &Error{Kind: ErrFetch, Detail: err.Error()}
	}
	node := doc.Find(cfg.CSSSelector).First()
	if node.Length() == 0 {
		return "", &Error{Kind: ErrSelectorNotFound, Detail: cfg.CSSSelector}
	}
	return strings.TrimSpace(node.Text()), nil
}

// Parse decodes the embedded payload text and resolves the configured paths.
func Parse(text string, cfg *config.Config) (gps.Reading, error) {
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return gps.Reading{}, &Error{Kind: ErrPayloadParse, Detail: err.Error()}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return gps.Reading{}, &Error{Kind: ErrNotAnObject}
	}

	lat, latOK := floatAt(root, cfg.LatitudeKey)
	lon, lonOK := floatAt(root, cfg.LongitudeKey)
	if !latOK || !lonOK {
		return gps.Reading{}, &Error{Kind: ErrMissingCoordinates}
	}

	r := gps.Reading{Latitude: lat, Longitude: lon, Raw: raw}
	if alt, ok := floatAt(root, cfg.AltitudeKey); ok {
		r.Altitude = &alt
	}
	if secs, ok := floatAt(root, cfg.GPSTimeKey); ok {
		if t, ok := gps.FromGPSSeconds(secs, cfg.GPSLeapSeconds); ok {
			r.SourceTime = &t
		}
	}
	return r, nil
}

// Lookup walks a dotted path through nested objects. A missing key, or a
// non-object container along the way, yields false.
func Lookup(root gjson.Result, dotted string) (gjson.Result, bool) {
	if dotted == "" {
		return gjson.Result{}, false
	}
	cur := root
	for _, seg := range strings.Split(dotted, ".") {
		if !cur.IsObject() {
			return gjson.Result{}, false
		}
		cur = cur.Get(escapeComponent(seg))
		if !cur.Exists() {
			return gjson.Result{}, false
		}
	}
	return cur, true
}

func floatAt(root gjson.Result, dotted string) (float64, bool) {
	v, ok := Lookup(root, dotted)
	if !ok {
		return 0, false
	}
	return coerceFloat(v)
}

// coerceFloat accepts JSON numbers, numeric strings and booleans. Non-finite
// results are rejected.
func coerceFloat(v gjson.Result) (float64, bool) {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Num
	case gjson.String:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		f = n
	case gjson.True:
		f = 1
	case gjson.False:
		f = 0
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// escapeComponent makes a single key literal for gjson, which otherwise
// treats characters such as * ? | # @ as path syntax.
func escapeComponent(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		if r < 0x80 && !(r == '_' || r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
