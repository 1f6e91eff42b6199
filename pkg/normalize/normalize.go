package normalize

import (
	"strconv"
	"strings"
	"time"
)

const (
	// DateLayout is the ISO-8601 calendar date form.
	DateLayout = "2006-01-02"
	// TimestampLayout is the ISO-8601 date-time form of instants hissync
	// stamps itself, such as sync_datetime; the offset is always present.
	TimestampLayout = "2006-01-02T15:04:05.999999999Z07:00"
	// WallClockLayout is the form of date-time column values. HIS DATETIME
	// columns carry no zone, so no offset is written and the hospital's
	// local wall-clock time is not mislabelled as UTC.
	WallClockLayout = "2006-01-02T15:04:05"
)

// wallClock formats t without an offset, with microseconds only when the
// value has a fractional second.
func wallClock(t time.Time) string {
	if t.Nanosecond() == 0 {
		return t.Format(WallClockLayout)
	}
	return t.Format(WallClockLayout + ".000000")
}

// Decimal is a fixed-point number in its exact textual form, as returned by
// the driver for DECIMAL and NUMERIC columns.
type Decimal string

// Date is a calendar date without a time of day.
type Date time.Time

// Value converts a single raw value. Fixed-point numbers become float64,
// dates and timestamps become ISO-8601 strings, byte slices become strings
// and sized integers widen to int64. Anything else is returned unchanged.
func Value(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case Decimal:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
		if err != nil {
			return string(x)
		}
		return f
	case *Decimal:
		if x == nil {
			return nil
		}
		return Value(*x)
	case Date:
		return time.Time(x).Format(DateLayout)
	case time.Time:
		return wallClock(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return wallClock(*x)
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

// Normalize returns a new row with every value passed through Value.
// Normalizing an already normalized row yields an identical row.
func Normalize(row *Row) *Row {
	if row == nil {
		return nil
	}
	out := NewRow(row.Len())
	for _, col := range row.columns {
		out.Set(col, Value(row.values[col]))
	}
	return out
}

// All normalizes every row in rows.
func All(rows []*Row) []*Row {
	out := make([]*Row, len(rows))
	for i, r := range rows {
		out[i] = Normalize(r)
	}
	return out
}
