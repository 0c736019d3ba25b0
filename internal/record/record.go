package record

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"
)

// Record is the flat key→value shape every stage operates on. Values are
// strings, numbers or byte blobs; missing keys read as the "NULL" sentinel so
// downstream formatters never fail on optional fields.
type Record map[string]any

// New returns a record tagged with the given data type.
func New(dataType string) Record {
	return Record{KeyDataType: dataType}
}

// Type returns the data_type tag.
func (r Record) Type() string {
	return r.Str(KeyDataType)
}

// Has reports whether the key is present with a non-nil value.
func (r Record) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// Str returns the value formatted as a string, or "NULL" when absent.
// Integral floats render without a fraction so numeric fields survive a
// JSON round trip unchanged.
func (r Record) Str(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return Null
	}
	return formatValue(v)
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return Null
	}
}

// Int returns the value as an int64, or 0 when absent or unparseable.
func (r Record) Int(key string) int64 {
	v, ok := r[key]
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// Float returns the value as a float64, or 0 when absent or unparseable.
func (r Record) Float(key string) float64 {
	v, ok := r[key]
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

// Bytes returns an image blob. Blobs decoded from a spool snapshot arrive as
// base64 strings; both forms are accepted.
func (r Record) Bytes(key string) []byte {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		if t == Null || t == "" {
			return nil
		}
		b, err := base64.StdEncoding.DecodeString(t)
		if err != nil {
			return nil
		}
		return b
	}
	return nil
}

// Clone returns a deep copy. Nested maps and slices produced by the router
// and by JSON decoding are copied; byte blobs are shared (they are never
// mutated in place).
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case map[string]bool:
		m := make(map[string]bool, len(t))
		for k, vv := range t {
			m[k] = vv
		}
		return m
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// SentTo reports whether the destination has already been delivered to.
func (r Record) SentTo(dest string) bool {
	switch m := r[KeySentTo].(type) {
	case map[string]bool:
		return m[dest]
	case map[string]any:
		b, _ := m[dest].(bool)
		return b
	}
	return false
}

// MarkSent records a delivery outcome. A destination already marked true is
// never reset: sent_to is monotonic for the lifetime of the record.
func (r Record) MarkSent(dest string, ok bool) {
	m := r.sentToMap()
	if m[dest] {
		return
	}
	m[dest] = ok
}

func (r Record) sentToMap() map[string]bool {
	switch m := r[KeySentTo].(type) {
	case map[string]bool:
		return m
	case map[string]any:
		// Normalize after a spool round trip.
		out := make(map[string]bool, len(m))
		for k, v := range m {
			b, _ := v.(bool)
			out[k] = b
		}
		r[KeySentTo] = out
		return out
	default:
		out := make(map[string]bool)
		r[KeySentTo] = out
		return out
	}
}

// EnsureSentTo initializes the sent_to map if absent.
func (r Record) EnsureSentTo() {
	r.sentToMap()
}

// SendTo returns the permitted destination list, or nil when unrestricted.
func (r Record) SendTo() []string {
	switch s := r[KeySendTo].(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, v := range s {
			if str, ok := v.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// SetSendTo stamps the destination list.
func (r Record) SetSendTo(dests []string) {
	out := make([]string, len(dests))
	copy(out, dests)
	r[KeySendTo] = out
}

// Prepared reports whether the one-shot pre-send transformation already ran.
func (r Record) Prepared() bool {
	b, _ := r[KeyPrepared].(bool)
	return b
}

// SetPrepared marks the one-shot prepare as done.
func (r Record) SetPrepared() {
	r[KeyPrepared] = true
}

// JoinKey builds a unique_key_plain from its parts.
func JoinKey(parts ...string) string {
	return strings.Join(parts, ",")
}
