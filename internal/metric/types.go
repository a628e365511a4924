package metric

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Package metric defines the canonical metric point: the normalized,
// deduplicated unit of observation flowing through the pipeline.
//
// Identity of a point is the tuple (tenant_id, metric_key, timestamp,
// dimensions). Duplicate inserts under the same identity are silently
// coalesced by the store.

// TimestampLayout is the sortable lexical form used everywhere a timestamp
// crosses a storage or wire boundary. Millisecond resolution, always UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Point is a canonical metric observation.
type Point struct {
	TenantID   string         `json:"tenant_id" db:"tenant_id"`
	MetricKey  string         `json:"metric_key" db:"metric_key"`
	Timestamp  time.Time      `json:"timestamp"`
	Value      float64        `json:"value" db:"value"`
	Dimensions map[string]any `json:"dimensions,omitempty"`
	Provenance Provenance     `json:"provenance"`
}

// Provenance records where a point came from and what happened to it on the
// way in.
type Provenance struct {
	SourceID        string    `json:"source_id"`
	IngestedAt      time.Time `json:"ingested_at"`
	PipelineVersion string    `json:"pipeline_version"`
	Transformations []string  `json:"transformations,omitempty"`
}

// Series is a projection of canonical points sharing (tenant, metric_key,
// dimensions), ordered by timestamp ascending.
type Series struct {
	TenantID   string         `json:"tenant_id"`
	MetricKey  string         `json:"metric_key"`
	Dimensions map[string]any `json:"dimensions,omitempty"`
	Points     []Point        `json:"points"`

	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Count      int           `json:"count"`
	Resolution time.Duration `json:"detected_resolution,omitempty"`
}

// Values returns the raw value slice of the series, in timestamp order.
func (s *Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// NewSeries builds a series projection from points already ordered by
// timestamp. Resolution is the median gap between consecutive points.
func NewSeries(tenantID, metricKey string, dims map[string]any, points []Point) *Series {
	s := &Series{
		TenantID:   tenantID,
		MetricKey:  metricKey,
		Dimensions: dims,
		Points:     points,
		Count:      len(points),
	}
	if len(points) == 0 {
		return s
	}
	s.Start = points[0].Timestamp
	s.End = points[len(points)-1].Timestamp
	if len(points) > 1 {
		gaps := make([]time.Duration, 0, len(points)-1)
		for i := 1; i < len(points); i++ {
			gaps = append(gaps, points[i].Timestamp.Sub(points[i-1].Timestamp))
		}
		sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
		s.Resolution = gaps[len(gaps)/2]
	}
	return s
}

// FormatTimestamp renders t in the canonical sortable lexical form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(TimestampLayout)
}

// DimensionsKey returns the canonical JSON encoding of a dimension map:
// keys sorted, scalar values only. Ordering of the input map is irrelevant
// for identity. An empty or nil map encodes as "{}".
func DimensionsKey(dims map[string]any) string {
	if len(dims) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(dims[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return string(buf)
}

// IdentityKey returns a stable string identifying the point under the
// coalescing rule (tenant, metric_key, timestamp, dimensions).
func (p *Point) IdentityKey() string {
	return p.TenantID + "|" + p.MetricKey + "|" + FormatTimestamp(p.Timestamp) + "|" + DimensionsKey(p.Dimensions)
}

// StableHash returns a hex digest over a batch of inbound items, used to
// derive an idempotency key when the caller did not supply one.
func StableHash(items []InboundPoint) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for i := range items {
		// Dimensions are folded into canonical form so map ordering cannot
		// change the hash.
		_ = enc.Encode(struct {
			Key   string   `json:"k"`
			Value float64  `json:"v"`
			TS    string   `json:"t"`
			Dims  string   `json:"d"`
			Tags  []string `json:"g,omitempty"`
		}{items[i].MetricKey, items[i].Value, items[i].Timestamp, DimensionsKey(items[i].Dimensions), items[i].Tags})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// InboundPoint is the wire shape of a single metric in an ingest envelope,
// before normalization.
type InboundPoint struct {
	MetricKey  string         `json:"metric_key" validate:"required"`
	Value      float64        `json:"value"`
	Timestamp  string         `json:"timestamp,omitempty"`
	Dimensions map[string]any `json:"dimensions,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
}
