package sdk

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/mailru/easyjson/jwriter"
	"golang.org/x/text/encoding/unicode"
)

// Kind is the type tag of a Value
type Kind int

const (
	// KindNull is a SQL NULL
	KindNull Kind = iota
	// KindInt is an integer number
	KindInt
	// KindFloat is a floating point number
	KindFloat
	// KindBool is a boolean
	KindBool
	// KindString is a string (timestamps and binary payloads end up here too)
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	}
	return "unknown"
}

// Value is a transport safe column value
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
}

// Null returns the null value
func Null() Value { return Value{} }

// Int returns an integer value
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a float value
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Bool returns a boolean value
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// String returns a string value
func String(v string) Value { return Value{kind: KindString, s: v} }

// Kind returns the type tag of the value
func (v Value) Kind() Kind { return v.kind }

// IsNull returns true if the value is null
func (v Value) IsNull() bool { return v.kind == KindNull }

// Interface returns the value as a plain go value (nil, int64, float64, bool or string)
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindString:
		return v.s
	}
	return nil
}

// Text returns the value formatted as text, used for cursor keys
func (v Value) Text() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return v.s
	}
	return ""
}

// MarshalEasyJSON writes the value as JSON
func (v Value) MarshalEasyJSON(w *jwriter.Writer) {
	switch v.kind {
	case KindInt:
		w.Int64(v.i)
	case KindFloat:
		w.Float64(v.f)
	case KindBool:
		w.Bool(v.b)
	case KindString:
		w.String(v.s)
	default:
		w.RawString("null")
	}
}

const (
	// DateTimeFormat is the timezone naive ISO-8601 format used for timestamps
	DateTimeFormat = "2006-01-02T15:04:05"
	// DateFormat is used for DATE columns
	DateFormat = "2006-01-02"
	// TimeFormat is used for TIME columns
	TimeFormat = "15:04:05"
)

// baseType strips any length/precision suffix from a database type name: DECIMAL(10,2) -> DECIMAL
func baseType(dbType string) string {
	if i := strings.IndexByte(dbType, '('); i >= 0 {
		dbType = dbType[:i]
	}
	return strings.ToUpper(strings.TrimSpace(dbType))
}

func isDecimalType(t string) bool {
	switch t {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY", "NUMBER":
		return true
	}
	return false
}

func formatTime(tv time.Time, dbType string) string {
	switch dbType {
	case "DATE":
		return tv.Format(DateFormat)
	case "TIME":
		return tv.Format(TimeFormat)
	}
	return tv.Format(DateTimeFormat)
}

// decodeUTF8 decodes buf as UTF-8, replacing undecodable bytes with U+FFFD
func decodeUTF8(buf []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(buf)
	if err != nil {
		return strings.ToValidUTF8(string(buf), "\uFFFD")
	}
	return string(out)
}

func parseDecimal(s string) (Value, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return Value{}, err
	}
	return checkFloat(f)
}

func checkFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%v cannot be represented in JSON", f)
	}
	return Float(f), nil
}

// Normalize converts a driver native value into a transport safe Value. dbType is the database
// type name reported by the driver for the column and may be empty.
func Normalize(column string, raw interface{}, dbType string) (Value, error) {
	t := baseType(dbType)
	switch v := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int8:
		return Int(int64(v)), nil
	case int16:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint8:
		return Int(int64(v)), nil
	case uint16:
		return Int(int64(v)), nil
	case uint32:
		return Int(int64(v)), nil
	case uint64:
		if v > math.MaxInt64 {
			return Float(float64(v)), nil
		}
		return Int(int64(v)), nil
	case float32:
		val, err := checkFloat(float64(v))
		if err != nil {
			return Value{}, &SerializationError{Column: column, Err: err}
		}
		return val, nil
	case float64:
		val, err := checkFloat(v)
		if err != nil {
			return Value{}, &SerializationError{Column: column, Err: err}
		}
		return val, nil
	case time.Time:
		return String(formatTime(v, t)), nil
	case *big.Rat:
		f, _ := v.Float64()
		val, err := checkFloat(f)
		if err != nil {
			return Value{}, &SerializationError{Column: column, Err: err}
		}
		return val, nil
	case *big.Float:
		f, _ := v.Float64()
		val, err := checkFloat(f)
		if err != nil {
			return Value{}, &SerializationError{Column: column, Err: err}
		}
		return val, nil
	case []byte:
		if isDecimalType(t) {
			val, err := parseDecimal(string(v))
			if err != nil {
				return Value{}, &SerializationError{Column: column, Err: err}
			}
			return val, nil
		}
		return String(decodeUTF8(v)), nil
	case string:
		if isDecimalType(t) {
			val, err := parseDecimal(v)
			if err != nil {
				return Value{}, &SerializationError{Column: column, Err: err}
			}
			return val, nil
		}
		return String(v), nil
	case fmt.Stringer:
		return String(v.String()), nil
	}
	return String(fmt.Sprintf("%v", raw)), nil
}
