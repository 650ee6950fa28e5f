package cache

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// KeySeparator joins the segments of a serialized key.
const KeySeparator = "::"

type defaultKeySerializer struct{}

// NewDefaultKeySerializer returns the reflection based serializer used for
// query fingerprints. Output is deterministic across processes: maps are
// sorted, pointers are followed and times are rendered in UTC.
func NewDefaultKeySerializer() KeySerializer {
	return defaultKeySerializer{}
}

func (s defaultKeySerializer) SerializeKey(method string, args ...any) string {
	if len(args) == 0 {
		return method
	}

	var b strings.Builder
	b.WriteString(method)
	for _, arg := range args {
		b.WriteString(KeySeparator)
		s.write(&b, reflect.ValueOf(arg))
	}
	return b.String()
}

// Fingerprint hashes the serialized form of method and args into a short
// hex string suitable for use inside a cache key.
func Fingerprint(serializer KeySerializer, method string, args ...any) string {
	if serializer == nil {
		serializer = defaultKeySerializer{}
	}
	return strconv.FormatUint(xxhash.Sum64String(serializer.SerializeKey(method, args...)), 16)
}

var (
	timeType          = reflect.TypeOf(time.Time{})
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

func (s defaultKeySerializer) write(b *strings.Builder, rv reflect.Value) {
	if !rv.IsValid() {
		b.WriteString("nil")
		return
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			b.WriteString("nil")
			return
		}
		s.write(b, rv.Elem())
		return
	}

	if rv.Type() == timeType {
		b.WriteString(rv.Interface().(time.Time).UTC().Format(time.RFC3339Nano))
		return
	}

	if rv.Type().Implements(textMarshalerType) && rv.CanInterface() {
		if text, err := rv.Interface().(encoding.TextMarshaler).MarshalText(); err == nil {
			b.Write(text)
			return
		}
	}

	switch rv.Kind() {
	case reflect.String:
		b.WriteString(strconv.Quote(rv.String()))
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		fmt.Fprintf(b, "%v", rv.Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			b.WriteString("[]")
			return
		}
		b.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			s.write(b, rv.Index(i))
		}
		b.WriteByte(']')
	case reflect.Map:
		pairs := make([]string, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			var pair strings.Builder
			s.write(&pair, iter.Key())
			pair.WriteByte('=')
			s.write(&pair, iter.Value())
			pairs = append(pairs, pair.String())
		}
		sort.Strings(pairs)
		b.WriteByte('{')
		b.WriteString(strings.Join(pairs, ","))
		b.WriteByte('}')
	case reflect.Struct:
		rt := rv.Type()
		b.WriteString(rt.Name())
		b.WriteByte('{')
		first := true
		for i := 0; i < rv.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			if !first {
				b.WriteByte(',')
			}
			first = false
			b.WriteString(field.Name)
			b.WriteByte(':')
			s.write(b, rv.Field(i))
		}
		b.WriteByte('}')
	default:
		data, err := json.Marshal(rv.Interface())
		if err != nil {
			b.WriteString(rv.Type().String())
			return
		}
		b.Write(data)
	}
}
