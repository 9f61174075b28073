package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zkdocdb/server/internal/dberr"
)

func personSchema() Schema {
	return Schema{Fields: []FieldDef{
		{Name: "name", Kind: KindString},
		{Name: "age", Kind: KindUInt64},
		{Name: "active", Kind: KindBool},
	}}
}

func raw(t *testing.T, values map[string]any) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[k] = b
	}
	return out
}

func TestBuildOrdersBySchema(t *testing.T) {
	fields, err := personSchema().Build(raw(t, map[string]any{"active": true, "name": "a", "age": 30}))
	require.NoError(t, err)
	require.Len(t, fields, 3)
	require.Equal(t, "name", fields[0].Name)
	require.Equal(t, StringValue("a"), fields[0].Value)
	require.Equal(t, UInt64Value(30), fields[1].Value)
	require.Equal(t, BoolValue(true), fields[2].Value)
}

func TestBuildRejectsMismatch(t *testing.T) {
	s := personSchema()
	_, err := s.Build(raw(t, map[string]any{"name": "a", "age": "x", "active": true}))
	require.ErrorIs(t, err, dberr.ErrValidation)

	_, err = s.Build(raw(t, map[string]any{"name": "a", "active": true}))
	require.ErrorIs(t, err, dberr.ErrValidation)

	_, err = s.Build(raw(t, map[string]any{"name": "a", "age": 1, "active": true, "extra": 1}))
	require.ErrorIs(t, err, dberr.ErrValidation)
}

func TestMergeKeepsUnchangedFields(t *testing.T) {
	s := personSchema()
	current, err := s.Build(raw(t, map[string]any{"name": "a", "age": 1, "active": true}))
	require.NoError(t, err)
	merged, err := s.Merge(current, raw(t, map[string]any{"name": "b"}))
	require.NoError(t, err)
	require.Equal(t, StringValue("b"), merged[0].Value)
	require.Equal(t, UInt64Value(1), merged[1].Value)

	_, err = s.Merge(current, nil)
	require.ErrorIs(t, err, dberr.ErrValidation)
}

func TestCommitmentChangesWithValues(t *testing.T) {
	s := personSchema()
	a, err := s.Build(raw(t, map[string]any{"name": "a", "age": 1, "active": true}))
	require.NoError(t, err)
	b, err := s.Build(raw(t, map[string]any{"name": "b", "age": 1, "active": true}))
	require.NoError(t, err)
	ca, cb := Commitment(a), Commitment(b)
	require.False(t, ca.Equal(&cb))
}

func TestCommitmentKeepsSubMillisecondTime(t *testing.T) {
	s := Schema{Fields: []FieldDef{{Name: "at", Kind: KindTime}}}
	a, err := s.Build(raw(t, map[string]any{"at": "2024-01-01T00:00:00.000100Z"}))
	require.NoError(t, err)
	b, err := s.Build(raw(t, map[string]any{"at": "2024-01-01T00:00:00.000900Z"}))
	require.NoError(t, err)
	require.NotEqual(t, a[0].Value.Text(), b[0].Value.Text())
	ca, cb := Commitment(a), Commitment(b)
	require.False(t, ca.Equal(&cb))

	_, err = s.Build(raw(t, map[string]any{"at": "2300-01-01T00:00:00Z"}))
	require.ErrorIs(t, err, dberr.ErrValidation)
}

func TestFieldJSONRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	in := []Field{
		{Name: "when", Kind: KindTime, Value: TimeValue(ts)},
		{Name: "blob", Kind: KindBytes, Value: BytesValue([]byte{1, 2})},
		{Name: "n", Kind: KindInt64, Value: Int64Value(-4)},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	var out []Field
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestSchemaValidate(t *testing.T) {
	require.NoError(t, personSchema().Validate())
	require.ErrorIs(t, Schema{}.Validate(), dberr.ErrValidation)
	dup := Schema{Fields: []FieldDef{{Name: "a", Kind: KindBool}, {Name: "a", Kind: KindBool}}}
	require.ErrorIs(t, dup.Validate(), dberr.ErrValidation)
	bad := Schema{Fields: []FieldDef{{Name: "a", Kind: "Float"}}}
	require.ErrorIs(t, bad.Validate(), dberr.ErrValidation)
}
