// Package record defines the value types stored by the key-value engine.
package record

import "encoding/json"

// Value is the polymorphic payload held for a key: either a raw UTF-8
// byte string or a parsed JSON document (object or array). Numbers and
// bare JSON strings are never promoted to JSON — only object/array
// values are, to avoid lossy coercion of scalars round-tripped through
// the WAL.
type Value struct {
	Bytes []byte
	JSON  interface{}
	isRaw bool
}

// NewBytes builds a raw scalar-string value.
func NewBytes(b []byte) Value {
	return Value{Bytes: b, isRaw: true}
}

// NewJSON builds a structured (object/array) value.
func NewJSON(v interface{}) Value {
	return Value{JSON: v}
}

// IsJSON reports whether this value holds a structured document.
func (v Value) IsJSON() bool {
	return !v.isRaw
}

// Encode returns the bytes to persist in the WAL: the raw scalar bytes,
// or the canonical JSON serialization of the structured document.
func (v Value) Encode() ([]byte, error) {
	if v.isRaw {
		return v.Bytes, nil
	}
	return json.Marshal(v.JSON)
}

// MarshalJSON lets a Value be embedded directly in a snapshot or HTTP
// reply: a raw value serializes as a JSON string, a structured value as
// its own object/array.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.isRaw {
		return json.Marshal(string(v.Bytes))
	}
	return json.Marshal(v.JSON)
}

// DecodeWAL reconstructs a Value from WAL value bytes, the way recovery
// does: attempt a JSON parse, and keep the structured form only if it
// parsed to an object or array. Anything else (a bare string, a number,
// invalid JSON) is kept as the raw scalar bytes.
func DecodeWAL(b []byte) Value {
	var probe interface{}
	if err := json.Unmarshal(b, &probe); err != nil {
		return NewBytes(b)
	}
	switch probe.(type) {
	case map[string]interface{}, []interface{}:
		return NewJSON(probe)
	default:
		return NewBytes(b)
	}
}

// decodeJSONField interprets an already-JSON-encoded "value" field as
// read back from a snapshot: a JSON string unwraps to raw scalar bytes,
// an object/array stays structured.
func decodeJSONField(raw json.RawMessage) Value {
	var probe interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return NewBytes(raw)
	}
	switch v := probe.(type) {
	case string:
		return NewBytes([]byte(v))
	case map[string]interface{}, []interface{}:
		return NewJSON(v)
	default:
		return NewBytes(raw)
	}
}

// Record is a stored value plus the timestamp it was applied at.
type Record struct {
	Value Value
	TS    int64
}

// recordJSON is the wire shape of a Record.
type recordJSON struct {
	Value json.RawMessage `json:"value"`
	TS    int64           `json:"ts"`
}

// MarshalJSON renders a Record as {"value": ..., "ts": ...}.
func (r Record) MarshalJSON() ([]byte, error) {
	valueBytes, err := r.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordJSON{Value: valueBytes, TS: r.TS})
}

// UnmarshalJSON parses a Record back from {"value": ..., "ts": ...}.
func (r *Record) UnmarshalJSON(b []byte) error {
	var rj recordJSON
	if err := json.Unmarshal(b, &rj); err != nil {
		return err
	}
	r.Value = decodeJSONField(rj.Value)
	r.TS = rj.TS
	return nil
}

// SnapshotEntry is the [key, record] pair shape the snapshot writes for
// each table entry.
type SnapshotEntry struct {
	Key    string
	Record Record
}

// MarshalJSON renders a SnapshotEntry as a two-element JSON array.
func (e SnapshotEntry) MarshalJSON() ([]byte, error) {
	keyBytes, err := json.Marshal(e.Key)
	if err != nil {
		return nil, err
	}
	recBytes, err := e.Record.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal([2]json.RawMessage{keyBytes, recBytes})
}

// UnmarshalJSON parses a two-element [key, record] pair.
func (e *SnapshotEntry) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &e.Key); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &e.Record)
}
