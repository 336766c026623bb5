// Package store adapts a row-oriented tabular backend. Tables are addressed
// by name, rows by physical position, and every cell round-trips as text,
// number, boolean or timestamp. Unknown or nil values become empty text.
package store

import (
	"context"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindBool
	KindTime
)

// Value is a single tabular cell.
type Value struct {
	kind Kind
	text string
	num  float64
	b    bool
	ts   time.Time
}

func Text(s string) Value     { return Value{kind: KindText, text: s} }
func Number(f float64) Value  { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func Time(t time.Time) Value  { return Value{kind: KindTime, ts: t.UTC()} }
func Empty() Value            { return Value{kind: KindText} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsEmpty() bool {
	return v.kind == KindText && strings.TrimSpace(v.text) == ""
}

// EncodeText returns the canonical text form written to the backend.
func (v Value) EncodeText() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindTime:
		if v.ts.IsZero() {
			return ""
		}
		return v.ts.UTC().Format(time.RFC3339)
	default:
		return v.text
	}
}

// AsText returns the cell as display text.
func (v Value) AsText() string { return v.EncodeText() }

// AsNumber parses the cell as a number, stripping thousands separators.
// Returns 0, false when the cell holds no finite number.
func (v Value) AsNumber() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		raw := strings.ReplaceAll(strings.TrimSpace(v.EncodeText()), ",", "")
		if raw == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
}

// AsBool applies the strict truthy set: true/1/yes/y/on.
func (v Value) AsBool() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num == 1
	default:
		switch strings.ToLower(strings.TrimSpace(v.EncodeText())) {
		case "true", "1", "yes", "y", "on":
			return true
		}
		return false
	}
}

// AsTime parses the cell as a timestamp. Zero time when unparsable.
func (v Value) AsTime() (time.Time, bool) {
	if v.kind == KindTime {
		return v.ts, !v.ts.IsZero()
	}
	raw := strings.TrimSpace(v.EncodeText())
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DecodeText rebuilds a typed Value from its canonical text form.
func DecodeText(kind Kind, raw string) Value {
	if strings.TrimSpace(raw) == "" {
		return Empty()
	}
	switch kind {
	case KindNumber:
		if parsed, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", ""), 64); err == nil {
			return Number(parsed)
		}
		return Text(raw)
	case KindBool:
		return Bool(Text(raw).AsBool())
	case KindTime:
		if t, ok := Text(raw).AsTime(); ok {
			return Time(t)
		}
		return Text(raw)
	default:
		return Text(raw)
	}
}

// Row maps column names to cell values. Missing columns read as empty text.
type Row map[string]Value

func (r Row) Get(column string) Value {
	if v, ok := r[column]; ok {
		return v
	}
	return Empty()
}

func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type Column struct {
	Name string
	Kind Kind
}

// TableSpec declares a logical table: its columns in order, the key column
// used for single-row lookups, and the critical columns whose absence or
// movement is reported as schema drift.
type TableSpec struct {
	Name     string
	Key      string
	Columns  []Column
	Critical []string
}

func (s TableSpec) columnKind(name string) Kind {
	for _, c := range s.Columns {
		if c.Name == name {
			return c.Kind
		}
	}
	return KindText
}

func (s TableSpec) columnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// DriftReport describes critical-column drift found by EnsureSchema.
// Missing columns are healed (appended); moved columns are reported only.
type DriftReport struct {
	Table           string
	MissingCritical []string
	MovedCritical   []string
}

func (d DriftReport) HasDrift() bool {
	return len(d.MissingCritical) > 0 || len(d.MovedCritical) > 0
}

// FoundRow pairs a row with its physical position in the table.
type FoundRow struct {
	Position int64
	Row      Row
}

// Store is the tabular backend contract. Position 0 means "append" for
// UpsertRow; positions are stable once assigned.
type Store interface {
	EnsureSchema(ctx context.Context, spec TableSpec) (DriftReport, error)
	Headers(ctx context.Context, table string) ([]string, error)
	FindRowByKey(ctx context.Context, table, keyColumn, keyValue string) (*FoundRow, error)
	UpsertRow(ctx context.Context, table string, position int64, row Row) (int64, error)
	UpdateCell(ctx context.Context, table string, position int64, column string, value Value) error
	AppendRow(ctx context.Context, table string, row Row) error
	ScanRows(ctx context.Context, table string) ([]Row, error)
	Ping(ctx context.Context) error
}
