package delivery

import (
	"fmt"
	"strings"
	"time"

	"github.com/plk-sync/hissync/pkg/normalize"
)

// SyncRecord is the JSON body the sink accepts for one row.
type SyncRecord struct {
	Hoscode      string         `json:"hoscode"`
	Source       string         `json:"source"`
	Payload      *normalize.Row `json:"payload"`
	SyncDatetime string         `json:"sync_datetime"`
}

// NewRecord builds the record for row. The payload keeps its own hoscode
// column; sentAt becomes sync_datetime in UTC.
func NewRecord(source string, row *normalize.Row, sentAt time.Time) SyncRecord {
	return SyncRecord{
		Hoscode:      Hoscode(row),
		Source:       source,
		Payload:      row,
		SyncDatetime: sentAt.UTC().Format(normalize.TimestampLayout),
	}
}

// Hoscode returns the trimmed hoscode column of row, or "" when it is absent
// or null.
func Hoscode(row *normalize.Row) string {
	if row == nil {
		return ""
	}
	v, ok := row.Get("hoscode")
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case []byte:
		return strings.TrimSpace(string(x))
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
