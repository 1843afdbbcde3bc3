package upnp

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DataType is a UPnP state-variable data type.
type DataType string

const (
	TypeUI1        DataType = "ui1"
	TypeUI2        DataType = "ui2"
	TypeUI4        DataType = "ui4"
	TypeUI8        DataType = "ui8"
	TypeI1         DataType = "i1"
	TypeI2         DataType = "i2"
	TypeI4         DataType = "i4"
	TypeI8         DataType = "i8"
	TypeInt        DataType = "int"
	TypeR4         DataType = "r4"
	TypeR8         DataType = "r8"
	TypeNumber     DataType = "number"
	TypeFixed144   DataType = "fixed.14.4"
	TypeFloat      DataType = "float"
	TypeChar       DataType = "char"
	TypeString     DataType = "string"
	TypeDate       DataType = "date"
	TypeDateTime   DataType = "dateTime"
	TypeDateTimeTZ DataType = "dateTime.tz"
	TypeTime       DataType = "time"
	TypeTimeTZ     DataType = "time.tz"
	TypeBoolean    DataType = "boolean"
	TypeBinBase64  DataType = "bin.base64"
	TypeBinHex     DataType = "bin.hex"
	TypeURI        DataType = "uri"
	TypeUUID       DataType = "uuid"
)

var (
	errSyntax = errors.New("invalid syntax")
	errRange  = errors.New("value out of range")
)

var timeLayouts = map[DataType]string{
	TypeDate:       "2006-01-02",
	TypeDateTime:   "2006-01-02T15:04:05",
	TypeDateTimeTZ: time.RFC3339,
	TypeTime:       "15:04:05",
	TypeTimeTZ:     "15:04:05Z07:00",
}

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	switch t {
	case TypeUI1, TypeUI2, TypeUI4, TypeUI8, TypeI1, TypeI2, TypeI4, TypeI8, TypeInt,
		TypeR4, TypeR8, TypeNumber, TypeFixed144, TypeFloat, TypeChar, TypeString,
		TypeDate, TypeDateTime, TypeDateTimeTZ, TypeTime, TypeTimeTZ, TypeBoolean,
		TypeBinBase64, TypeBinHex, TypeURI, TypeUUID:
		return true
	}
	return false
}

// Numeric reports whether values of t can carry an allowed range.
func (t DataType) Numeric() bool {
	switch t {
	case TypeUI1, TypeUI2, TypeUI4, TypeUI8, TypeI1, TypeI2, TypeI4, TypeI8, TypeInt,
		TypeR4, TypeR8, TypeNumber, TypeFixed144, TypeFloat:
		return true
	}
	return false
}

// GoType names the Go type that carries values of t.
func (t DataType) GoType() string {
	switch t {
	case TypeUI1:
		return "uint8"
	case TypeUI2:
		return "uint16"
	case TypeUI4:
		return "uint32"
	case TypeUI8:
		return "uint64"
	case TypeI1:
		return "int8"
	case TypeI2:
		return "int16"
	case TypeI4:
		return "int32"
	case TypeI8, TypeInt:
		return "int64"
	case TypeR4:
		return "float32"
	case TypeR8, TypeNumber, TypeFixed144, TypeFloat:
		return "float64"
	case TypeBoolean:
		return "bool"
	case TypeBinBase64, TypeBinHex:
		return "[]byte"
	case TypeDate, TypeDateTime, TypeDateTimeTZ, TypeTime, TypeTimeTZ:
		return "time.Time"
	default:
		return "string"
	}
}

// Parse converts the wire form s into the Go value for t.
// Integer types use their full declared range, ui4 included.
func (t DataType) Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	switch t {
	case TypeUI1, TypeUI2, TypeUI4, TypeUI8:
		bits := map[DataType]int{TypeUI1: 8, TypeUI2: 16, TypeUI4: 32, TypeUI8: 64}[t]
		u, err := strconv.ParseUint(s, 10, bits)
		if err != nil {
			return nil, numErr(err)
		}
		switch t {
		case TypeUI1:
			return uint8(u), nil
		case TypeUI2:
			return uint16(u), nil
		case TypeUI4:
			return uint32(u), nil
		default:
			return u, nil
		}
	case TypeI1, TypeI2, TypeI4, TypeI8, TypeInt:
		bits := map[DataType]int{TypeI1: 8, TypeI2: 16, TypeI4: 32, TypeI8: 64, TypeInt: 64}[t]
		i, err := strconv.ParseInt(s, 10, bits)
		if err != nil {
			return nil, numErr(err)
		}
		switch t {
		case TypeI1:
			return int8(i), nil
		case TypeI2:
			return int16(i), nil
		case TypeI4:
			return int32(i), nil
		default:
			return i, nil
		}
	case TypeR4:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, numErr(err)
		}
		return float32(f), nil
	case TypeR8, TypeNumber, TypeFixed144, TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, numErr(err)
		}
		return f, nil
	case TypeBoolean:
		switch strings.ToLower(s) {
		case "1", "true", "yes":
			return true, nil
		case "0", "false", "no":
			return false, nil
		}
		return nil, errSyntax
	case TypeChar:
		if utf8.RuneCountInString(s) != 1 {
			return nil, errSyntax
		}
		return s, nil
	case TypeBinBase64:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errSyntax
		}
		return b, nil
	case TypeBinHex:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, errSyntax
		}
		return b, nil
	case TypeDate, TypeDateTime, TypeDateTimeTZ, TypeTime, TypeTimeTZ:
		tm, err := time.Parse(timeLayouts[t], s)
		if err != nil {
			return nil, errSyntax
		}
		return tm, nil
	default:
		return s, nil
	}
}

// Format converts v into its wire form. v must carry the Go type of t.
func (t DataType) Format(v any) (string, error) {
	if err := t.CheckType(v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		if t == TypeFixed144 {
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		}
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case []byte:
		if t == TypeBinHex {
			return hex.EncodeToString(x), nil
		}
		return base64.StdEncoding.EncodeToString(x), nil
	case time.Time:
		return x.Format(timeLayouts[t]), nil
	case string:
		return x, nil
	}
	return "", fmt.Errorf("%w: unsupported %T", errSyntax, v)
}

// CheckType verifies that v carries the Go type of t. Values are never coerced.
func (t DataType) CheckType(v any) error {
	var ok bool
	switch t {
	case TypeUI1:
		_, ok = v.(uint8)
	case TypeUI2:
		_, ok = v.(uint16)
	case TypeUI4:
		_, ok = v.(uint32)
	case TypeUI8:
		_, ok = v.(uint64)
	case TypeI1:
		_, ok = v.(int8)
	case TypeI2:
		_, ok = v.(int16)
	case TypeI4:
		_, ok = v.(int32)
	case TypeI8, TypeInt:
		_, ok = v.(int64)
	case TypeR4:
		_, ok = v.(float32)
	case TypeR8, TypeNumber, TypeFixed144, TypeFloat:
		_, ok = v.(float64)
	case TypeBoolean:
		_, ok = v.(bool)
	case TypeBinBase64, TypeBinHex:
		_, ok = v.([]byte)
	case TypeDate, TypeDateTime, TypeDateTimeTZ, TypeTime, TypeTimeTZ:
		_, ok = v.(time.Time)
	case TypeChar:
		var s string
		if s, ok = v.(string); ok && utf8.RuneCountInString(s) != 1 {
			return fmt.Errorf("%w: char needs exactly one character", errSyntax)
		}
	default:
		_, ok = v.(string)
	}
	if !ok {
		return fmt.Errorf("%w: %s wants %s, got %T", errSyntax, t, t.GoType(), v)
	}
	return nil
}

// toFloat returns a numeric value as float64 for range checks.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return math.NaN(), false
}

func numErr(err error) error {
	if errors.Is(err, strconv.ErrRange) {
		return errRange
	}
	return errSyntax
}
