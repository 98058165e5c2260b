package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueRawRoundTrip(t *testing.T) {
	v := NewBytes([]byte("hello world"))
	require.False(t, v.IsJSON())

	encoded, err := v.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), encoded)

	marshaled, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `"hello world"`, string(marshaled))
}

func TestValueJSONRoundTrip(t *testing.T) {
	v := NewJSON(map[string]interface{}{"a": float64(1), "b": "two"})
	require.True(t, v.IsJSON())

	marshaled, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"two"}`, string(marshaled))
}

func TestDecodeWALKeepsScalarsRaw(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
	}{
		{"bare string literal", []byte(`"just a string"`)},
		{"number", []byte(`42`)},
		{"not json at all", []byte(`not json {`)},
		{"empty", []byte(``)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := DecodeWAL(c.in)
			assert.False(t, v.IsJSON())
			assert.Equal(t, c.in, v.Bytes)
		})
	}
}

func TestDecodeWALPromotesObjectsAndArrays(t *testing.T) {
	obj := DecodeWAL([]byte(`{"x":1}`))
	assert.True(t, obj.IsJSON())
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, obj.JSON)

	arr := DecodeWAL([]byte(`[1,2,3]`))
	assert.True(t, arr.IsJSON())
	assert.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, arr.JSON)
}

func TestRecordJSONRoundTrip(t *testing.T) {
	original := Record{Value: NewJSON(map[string]interface{}{"k": "v"}), TS: 1234}

	b, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Record
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, original.TS, decoded.TS)
	assert.True(t, decoded.Value.IsJSON())
	assert.Equal(t, original.Value.JSON, decoded.Value.JSON)
}

func TestRecordJSONRoundTripRawValue(t *testing.T) {
	original := Record{Value: NewBytes([]byte("raw-scalar")), TS: 99}

	b, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Record
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, original.TS, decoded.TS)
	assert.False(t, decoded.Value.IsJSON())
	assert.Equal(t, "raw-scalar", string(decoded.Value.Bytes))
}

func TestSnapshotEntryRoundTrip(t *testing.T) {
	original := SnapshotEntry{
		Key:    "mykey",
		Record: Record{Value: NewJSON([]interface{}{"a", "b"}), TS: 55},
	}

	b, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded SnapshotEntry
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, original.Key, decoded.Key)
	assert.Equal(t, original.Record.TS, decoded.Record.TS)
	assert.Equal(t, original.Record.Value.JSON, decoded.Record.Value.JSON)
}

func TestSnapshotEntrySliceRoundTrip(t *testing.T) {
	entries := []SnapshotEntry{
		{Key: "a", Record: Record{Value: NewBytes([]byte("1")), TS: 1}},
		{Key: "b", Record: Record{Value: NewJSON(map[string]interface{}{"n": float64(2)}), TS: 2}},
	}

	b, err := json.Marshal(entries)
	require.NoError(t, err)

	var decoded []SnapshotEntry
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "a", decoded[0].Key)
	assert.Equal(t, "b", decoded[1].Key)
}
