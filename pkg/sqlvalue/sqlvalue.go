// Package sqlvalue renders Go scalars as SQL literal text.
package sqlvalue

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// floatPrecision is the number of fractional digits emitted for floats.
// Fixed-point output keeps the literal free of exponents.
const floatPrecision = 20

const (
	timestampLayout      = "2006-01-02T15:04:05"
	timestampMicroLayout = "2006-01-02T15:04:05.000000"
)

// Emit returns the SQL literal for v. It never fails: values without a
// dedicated rendering are quoted through their fmt.Sprint form. Named
// numeric types render by their underlying kind unless they implement
// fmt.Stringer. Nil pointers are NULL and other pointers are dereferenced.
func Emit(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return Quote(Timestamp(x))
	case *time.Time:
		if x == nil {
			return "NULL"
		}
		return Quote(Timestamp(*x))
	case string:
		return Quote(x)
	case fmt.Stringer:
		if rv := reflect.ValueOf(x); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return "NULL"
		}
		return Quote(x.String())
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return "NULL"
		}
		return Emit(rv.Elem().Interface())
	case reflect.Float32, reflect.Float64:
		return emitFloat(rv.Float())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10)
	default:
		// bool lands here on purpose and is emitted as 'true'/'false'.
		return Quote(fmt.Sprint(v))
	}
}

// Quote wraps s in single quotes, doubling any embedded quote.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Timestamp formats t as zone-less ISO-8601. Microseconds are only
// included when non-zero.
func Timestamp(t time.Time) string {
	if t.Nanosecond()/int(time.Microsecond) == 0 {
		return t.Format(timestampLayout)
	}
	return t.Format(timestampMicroLayout)
}

func emitFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "NULL"
	}
	return strconv.FormatFloat(f, 'f', floatPrecision, 64)
}
