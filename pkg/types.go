package pkg

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Metadata keys reported by the modem metadata publisher. The interface alias key
// is configurable (modeminterfacename) and therefore not listed here.
const (
	MetaKeyICCID     = "ICCID"
	MetaKeyOperator  = "Operator"
	MetaKeyRSSI      = "RSSI"
	MetaKeyTimestamp = "Timestamp"
)

// LinkState is the supervisor's view of a configured interface
type LinkState int

const (
	StateDown        LinkState = iota // link absent or no IPv4 address
	StateMetaPending                  // link present, metadata missing or stale
	StateReady                        // link present, metadata fresh
)

func (s LinkState) String() string {
	switch s {
	case StateDown:
		return "DOWN"
	case StateMetaPending:
		return "META_PENDING"
	case StateReady:
		return "READY"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}

// Metadata is an immutable snapshot of the attributes last reported for an
// interface. Updates produce a new snapshot via Merge.
type Metadata struct {
	fields map[string]interface{}
}

// NewMetadata builds a snapshot from a field map. The map is copied.
func NewMetadata(fields map[string]interface{}) *Metadata {
	m := &Metadata{fields: make(map[string]interface{}, len(fields))}
	for k, v := range fields {
		m.fields[k] = v
	}
	return m
}

// SyntheticMetadata is the snapshot used for interfaces that never report modem
// metadata (wired/wlan). The interface name doubles as alias, ICCID and operator.
func SyntheticMetadata(aliasField, ifname string, now time.Time) *Metadata {
	return NewMetadata(map[string]interface{}{
		aliasField:       ifname,
		MetaKeyICCID:     ifname,
		MetaKeyOperator:  ifname,
		MetaKeyTimestamp: float64(now.UnixNano()) / 1e9,
	})
}

// Merge returns a new snapshot where every key of event overwrites the
// corresponding key of m. A nil receiver merges into an empty snapshot.
func (m *Metadata) Merge(event map[string]interface{}) *Metadata {
	out := &Metadata{fields: make(map[string]interface{}, m.Len()+len(event))}
	if m != nil {
		for k, v := range m.fields {
			out.fields[k] = v
		}
	}
	for k, v := range event {
		out.fields[k] = v
	}
	return out
}

// Len returns the number of fields in the snapshot
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.fields)
}

// Get returns the raw value for key
func (m *Metadata) Get(key string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.fields[key]
	return v, ok
}

// Has reports whether key is present
func (m *Metadata) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// String returns the value for key rendered as a string
func (m *Metadata) String(key string) string {
	v, ok := m.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Float returns the value for key as a float64 when it is numeric or a numeric string
func (m *Metadata) Float(key string) (float64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

// Alias returns the modem-facing interface alias stored under aliasField
func (m *Metadata) Alias(aliasField string) string {
	return m.String(aliasField)
}

// Timestamp returns the freshness timestamp (epoch seconds) as time.Time
func (m *Metadata) Timestamp() (time.Time, bool) {
	ts, ok := m.Float(MetaKeyTimestamp)
	if !ok {
		return time.Time{}, false
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

// Fields returns a copy of the snapshot fields
func (m *Metadata) Fields() map[string]interface{} {
	out := make(map[string]interface{}, m.Len())
	if m != nil {
		for k, v := range m.fields {
			out[k] = v
		}
	}
	return out
}

// RecordKind tags the measurement record variants
type RecordKind string

const (
	KindProbeSuccess RecordKind = "probe_success"
	KindProbeFailure RecordKind = "probe_failure"
	KindFetch        RecordKind = "fetch"
)

// Record is a measurement record handed to a result sink
type Record interface {
	DataID() string
	Kind() RecordKind
}

// Identity holds the fields every record carries
type Identity struct {
	Guid        string `json:"Guid"`
	DataId      string `json:"DataId"`
	DataVersion int    `json:"DataVersion"`
	NodeId      string `json:"NodeId"`
	Interface   string `json:"Interface"`
	Iccid       string `json:"Iccid"`
	Operator    string `json:"Operator"`
}

// ProbeSuccess is emitted for an echo probe that received a reply
type ProbeSuccess struct {
	Identity
	Host           string   `json:"Host"`
	Bytes          int      `json:"Bytes"`
	Rtt            float64  `json:"Rtt"`
	AvgRtt         float64  `json:"AvgRtt"`
	SequenceNumber int      `json:"SequenceNumber"`
	Timestamp      float64  `json:"Timestamp"`
	Rssi           *float64 `json:"Rssi"`
	AvgRssi        float64  `json:"AvgRssi"`
}

func (r *ProbeSuccess) DataID() string   { return r.DataId }
func (r *ProbeSuccess) Kind() RecordKind { return KindProbeSuccess }

// ProbeFailure is emitted when a probe produced no parsable reply
type ProbeFailure struct {
	Identity
	Host           string  `json:"Host"`
	SequenceNumber int     `json:"SequenceNumber"`
	Timestamp      float64 `json:"Timestamp"`
}

func (r *ProbeFailure) DataID() string   { return r.DataId }
func (r *ProbeFailure) Kind() RecordKind { return KindProbeFailure }

// FetchResult is emitted for every repetition of a scheduled fetch
type FetchResult struct {
	Identity
	Host             string  `json:"Host"`
	Port             string  `json:"Port"`
	Speed            float64 `json:"Speed"`
	Bytes            int64   `json:"Bytes"`
	Url              string  `json:"Url"`
	TotalTime        float64 `json:"TotalTime"`
	SetupTime        float64 `json:"SetupTime"`
	DownloadTime     float64 `json:"DownloadTime"`
	ErrorCode        int     `json:"ErrorCode"`
	Timestamp        float64 `json:"Timestamp"`
	SequenceNumber   int     `json:"SequenceNumber"`
	DynamicSelection bool    `json:"DynamicSelection"`
}

func (r *FetchResult) DataID() string   { return r.DataId }
func (r *FetchResult) Kind() RecordKind { return KindFetch }

// EpochSeconds converts t to fractional Unix seconds, the timestamp format used
// in every emitted record
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
