package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"zkdocdb/server/internal/hashing"
)

// Kind names a supported field kind.
type Kind string

const (
	KindString Kind = "String"
	KindInt64  Kind = "Int64"
	KindUInt64 Kind = "UInt64"
	KindBool   Kind = "Bool"
	KindField  Kind = "Field"
	KindBytes  Kind = "Bytes"
	KindTime   Kind = "Time"
)

func (k Kind) Valid() bool {
	switch k {
	case KindString, KindInt64, KindUInt64, KindBool, KindField, KindBytes, KindTime:
		return true
	}
	return false
}

// Value is a typed field value. The set of implementations is closed.
type Value interface {
	Kind() Kind
	// Element is the value's commitment inside the Merkle leaf.
	Element() hashing.Field
	// Text is the canonical text form used for storage and equality filters.
	Text() string
	isValue()
}

type StringValue string

type Int64Value int64

type UInt64Value uint64

type BoolValue bool

type FieldValue hashing.Field

type BytesValue []byte

type TimeValue time.Time

// Time values commit as Unix nanoseconds, which bounds them to this range.
var (
	minTime = time.Unix(0, math.MinInt64)
	maxTime = time.Unix(0, math.MaxInt64)
)

func (StringValue) Kind() Kind { return KindString }
func (Int64Value) Kind() Kind  { return KindInt64 }
func (UInt64Value) Kind() Kind { return KindUInt64 }
func (BoolValue) Kind() Kind   { return KindBool }
func (FieldValue) Kind() Kind  { return KindField }
func (BytesValue) Kind() Kind  { return KindBytes }
func (TimeValue) Kind() Kind   { return KindTime }

func (v StringValue) Element() hashing.Field { return hashing.FromString(string(v)) }
func (v Int64Value) Element() hashing.Field  { return hashing.FromInt64(int64(v)) }
func (v UInt64Value) Element() hashing.Field { return hashing.FromUint64(uint64(v)) }
func (v BoolValue) Element() hashing.Field   { return hashing.FromBool(bool(v)) }
func (v FieldValue) Element() hashing.Field  { return hashing.Field(v) }
func (v BytesValue) Element() hashing.Field  { return hashing.FromBytes(v) }
func (v TimeValue) Element() hashing.Field {
	return hashing.FromInt64(time.Time(v).UnixNano())
}

func (v StringValue) Text() string { return string(v) }
func (v Int64Value) Text() string  { return strconv.FormatInt(int64(v), 10) }
func (v UInt64Value) Text() string { return strconv.FormatUint(uint64(v), 10) }
func (v BoolValue) Text() string   { return strconv.FormatBool(bool(v)) }
func (v FieldValue) Text() string {
	f := hashing.Field(v)
	return f.String()
}
func (v BytesValue) Text() string { return base64.StdEncoding.EncodeToString(v) }
func (v TimeValue) Text() string  { return time.Time(v).UTC().Format(time.RFC3339Nano) }

func (StringValue) isValue() {}
func (Int64Value) isValue()  {}
func (UInt64Value) isValue() {}
func (BoolValue) isValue()   {}
func (FieldValue) isValue()  {}
func (BytesValue) isValue()  {}
func (TimeValue) isValue()   {}

// MarshalJSON renders field elements as decimal strings.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Text())
}

func (v TimeValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Text())
}

// ParseJSON decodes raw into a value of the given kind.
func ParseJSON(kind Kind, raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%s value is required", kind)
	}
	switch kind {
	case KindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("expected string: %w", err)
		}
		return StringValue(s), nil
	case KindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("expected bool: %w", err)
		}
		return BoolValue(b), nil
	case KindInt64, KindUInt64, KindField:
		// numbers may arrive quoted to survive JavaScript clients
		var s string
		if raw[0] == '"' {
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
		} else {
			var n json.Number
			if err := json.Unmarshal(raw, &n); err != nil {
				return nil, fmt.Errorf("expected number: %w", err)
			}
			s = n.String()
		}
		return ParseText(kind, s)
	case KindBytes, KindTime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("expected string: %w", err)
		}
		return ParseText(kind, s)
	default:
		return nil, fmt.Errorf("unsupported kind %q", kind)
	}
}

// ParseText is the inverse of Value.Text.
func ParseText(kind Kind, text string) (Value, error) {
	switch kind {
	case KindString:
		return StringValue(text), nil
	case KindInt64:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected int64: %w", err)
		}
		return Int64Value(n), nil
	case KindUInt64:
		n, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected uint64: %w", err)
		}
		return UInt64Value(n), nil
	case KindBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("expected bool: %w", err)
		}
		return BoolValue(b), nil
	case KindField:
		f, err := hashing.ParseDecimal(text)
		if err != nil {
			return nil, err
		}
		return FieldValue(f), nil
	case KindBytes:
		b, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("expected base64: %w", err)
		}
		return BytesValue(b), nil
	case KindTime:
		ts, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return nil, fmt.Errorf("expected RFC3339 time: %w", err)
		}
		if ts.Before(minTime) || ts.After(maxTime) {
			return nil, fmt.Errorf("time %s outside the committable range", text)
		}
		return TimeValue(ts.UTC()), nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", kind)
	}
}
