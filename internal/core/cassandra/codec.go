package cassandra

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/spf13/cast"
	"gopkg.in/inf.v0"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
)

var ErrUnsupportedType = errors.New("unsupported column type")

type converter func(v any) (any, error)

// Codec converts decoded field values into the Go types gocql marshals for each CQL
// column type, and serializes primary key values for routing.
type Codec struct {
	proto      byte
	converters map[string]converter
	native     map[string]gocql.Type
}

func NewCodec(protoVersion int) *Codec {
	c := &Codec{
		proto:      byte(orDefault(protoVersion, defaultProtoVersion)), //nolint:gosec // protocol versions are single digits
		converters: nil,
		native:     nativeTypes(),
	}
	c.initConverters()

	return c
}

func nativeTypes() map[string]gocql.Type {
	types := []gocql.Type{
		gocql.TypeAscii, gocql.TypeBigInt, gocql.TypeBlob, gocql.TypeBoolean, gocql.TypeCounter,
		gocql.TypeDecimal, gocql.TypeDouble, gocql.TypeFloat, gocql.TypeInt, gocql.TypeText,
		gocql.TypeTimestamp, gocql.TypeUUID, gocql.TypeVarchar, gocql.TypeVarint, gocql.TypeTimeUUID,
		gocql.TypeInet, gocql.TypeDate, gocql.TypeTime, gocql.TypeSmallInt, gocql.TypeTinyInt,
		gocql.TypeDuration,
	}

	out := make(map[string]gocql.Type, len(types))
	for _, t := range types {
		out[t.String()] = t
	}

	return out
}

// Convert returns the value to bind for col. nil stays nil.
func (c *Codec) Convert(col schema.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	conv, ok := c.converters[baseType(col.Type)]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedType, col.Type)
	}

	out, err := conv(v)
	if err != nil {
		return nil, fmt.Errorf("convert %T to %s: %w", v, col.Type, err)
	}

	return out, nil
}

// Serialize marshals a converted value with the protocol encoding of its column type.
func (c *Codec) Serialize(col schema.Column, v any) ([]byte, error) {
	typ, ok := c.native[baseType(col.Type)]
	if !ok {
		return nil, fmt.Errorf("%w for routing: %q", ErrUnsupportedType, col.Type)
	}

	b, err := gocql.Marshal(gocql.NewNativeType(c.proto, typ, ""), v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", col.Type, err)
	}

	return b, nil
}

// baseType strips type parameters: "list<int>" is handled as "list".
func baseType(t string) string {
	if i := strings.IndexAny(t, "<("); i >= 0 {
		t = t[:i]
	}

	return strings.ToLower(strings.TrimSpace(t))
}

func (c *Codec) initConverters() {
	c.converters = make(map[string]converter)

	text := func(v any) (any, error) {
		switch val := v.(type) {
		case []byte:
			return string(val), nil
		case map[string]any, []any:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, err //nolint:wrapcheck // wrapped by Convert
			}
			return string(b), nil
		default:
			return cast.ToStringE(val) //nolint:wrapcheck // wrapped by Convert
		}
	}
	c.converters["ascii"] = text
	c.converters["text"] = text
	c.converters["varchar"] = text

	c.converters["bigint"] = func(v any) (any, error) { return cast.ToInt64E(bytesToString(v)) } //nolint:wrapcheck // wrapped by Convert
	c.converters["counter"] = c.converters["bigint"]
	c.converters["int"] = func(v any) (any, error) { return toInt32(bytesToString(v)) }
	c.converters["smallint"] = func(v any) (any, error) { return cast.ToInt16E(bytesToString(v)) } //nolint:wrapcheck // wrapped by Convert
	c.converters["tinyint"] = func(v any) (any, error) { return cast.ToInt8E(bytesToString(v)) }   //nolint:wrapcheck // wrapped by Convert
	c.converters["float"] = func(v any) (any, error) { return cast.ToFloat32E(bytesToString(v)) }  //nolint:wrapcheck // wrapped by Convert
	c.converters["double"] = func(v any) (any, error) { return cast.ToFloat64E(bytesToString(v)) } //nolint:wrapcheck // wrapped by Convert
	c.converters["boolean"] = func(v any) (any, error) { return cast.ToBoolE(bytesToString(v)) }   //nolint:wrapcheck // wrapped by Convert

	c.converters["blob"] = func(v any) (any, error) {
		switch val := v.(type) {
		case string:
			return base64.StdEncoding.DecodeString(val) //nolint:wrapcheck // wrapped by Convert
		case []byte:
			return val, nil
		default:
			return nil, fmt.Errorf("cannot convert %v to bytes", val)
		}
	}

	c.converters["uuid"] = toUUID
	c.converters["timeuuid"] = toUUID

	c.converters["timestamp"] = func(v any) (any, error) {
		switch val := v.(type) {
		case time.Time:
			return val, nil
		case json.Number, int, int32, int64, float64:
			ms, err := cast.ToInt64E(val)
			if err != nil {
				return nil, err //nolint:wrapcheck // wrapped by Convert
			}
			return time.UnixMilli(ms).UTC(), nil
		default:
			return parseDateTime(bytesToString(val))
		}
	}

	c.converters["date"] = func(v any) (any, error) {
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
		return parseDateTime(bytesToString(v))
	}

	c.converters["time"] = func(v any) (any, error) { return cast.ToDurationE(bytesToString(v)) }     //nolint:wrapcheck // wrapped by Convert
	c.converters["duration"] = func(v any) (any, error) { return cast.ToDurationE(bytesToString(v)) } //nolint:wrapcheck // wrapped by Convert

	c.converters["decimal"] = func(v any) (any, error) {
		switch val := v.(type) {
		case *inf.Dec:
			return val, nil
		case float32, float64:
			f, _ := cast.ToFloat64E(val)
			return parseDecimal(strconv.FormatFloat(f, 'f', -1, 64))
		default:
			s, err := cast.ToStringE(bytesToString(val))
			if err != nil {
				return nil, err //nolint:wrapcheck // wrapped by Convert
			}
			return parseDecimal(s)
		}
	}

	c.converters["varint"] = func(v any) (any, error) {
		switch val := v.(type) {
		case *big.Int:
			return val, nil
		default:
			s, err := cast.ToStringE(bytesToString(val))
			if err != nil {
				return nil, err //nolint:wrapcheck // wrapped by Convert
			}
			n, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return nil, fmt.Errorf("cannot convert %q to varint", s)
			}
			return n, nil
		}
	}

	c.converters["inet"] = func(v any) (any, error) {
		switch val := v.(type) {
		case net.IP:
			return val, nil
		default:
			s := cast.ToString(bytesToString(val))
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("cannot convert %q to inet", s)
			}
			return ip, nil
		}
	}

	collection := func(v any) (any, error) {
		switch val := v.(type) {
		case string:
			var out any
			if err := json.Unmarshal([]byte(val), &out); err != nil {
				return nil, fmt.Errorf("cannot convert string to collection: %w", err)
			}
			return out, nil
		case []byte:
			var out any
			if err := json.Unmarshal(val, &out); err != nil {
				return nil, fmt.Errorf("cannot convert bytes to collection: %w", err)
			}
			return out, nil
		default:
			return val, nil
		}
	}
	for _, t := range []string{"list", "set", "map", "tuple", "frozen", "udt"} {
		c.converters[t] = collection
	}
}

func bytesToString(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}

	return v
}

func toInt32(v any) (any, error) {
	n, err := cast.ToInt64E(v)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by Convert
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return nil, fmt.Errorf("%d overflows int", n)
	}

	return int32(n), nil
}

func toUUID(v any) (any, error) {
	switch val := v.(type) {
	case gocql.UUID:
		return val, nil
	case uuid.UUID:
		return gocql.UUID(val), nil
	case []byte:
		if len(val) == 16 {
			u, err := uuid.FromBytes(val)
			if err != nil {
				return nil, fmt.Errorf("failed to convert binary UUID: %w", err)
			}
			return gocql.UUID(u), nil
		}
		return toUUID(string(val))
	default:
		u, err := uuid.Parse(fmt.Sprintf("%v", val))
		if err != nil {
			return nil, fmt.Errorf("failed to parse UUID: %w", err)
		}
		return gocql.UUID(u), nil
	}
}

func parseDecimal(s string) (*inf.Dec, error) {
	d, ok := new(inf.Dec).SetString(s)
	if !ok {
		return nil, fmt.Errorf("cannot convert %q to decimal", s)
	}

	return d, nil
}

// parseDateTime accepts epoch seconds and the usual textual layouts.
func parseDateTime(v any) (time.Time, error) {
	value, err := cast.ToStringE(v)
	if err != nil {
		return time.Time{}, err //nolint:wrapcheck // wrapped by Convert
	}

	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999",
		time.RFC1123,
		time.RFC1123Z,
		"2006-01-02",
	}

	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		if i > 0 && i < 4102444800 {
			return time.Unix(i, 0).UTC(), nil
		}
	}

	for _, layout := range formats {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse datetime from '%s'", value)
}
