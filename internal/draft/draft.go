// Package draft holds the pure domain rules for document-request drafts:
// which fields each form section may write, how raw input is coerced and
// clamped, and how completion progress is derived from a row.
package draft

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"requestdesk/api/internal/store"
)

const (
	StatusDraft = "draft"
	StatusReady = "ready"

	MaxOwnerIDLen  = 120
	MaxClientTsLen = 80

	defaultTextLimit = 500
)

// sectionFields lists the writable fields per form section. Derived fields
// (sec*_done, progress_percent, status, timestamps) are never writable.
var sectionFields = map[int][]string{
	1: {
		"officeName", "taxInvoiceAddress", "taxId13", "officePhone",
		"taxId_format_ok", "taxId_checksum_ok", "taxId_verify_status", "taxId_verify_note",
	},
	2: {
		"doc_quotation", "doc_quotation_date",
		"doc_invoice", "doc_invoice_date",
		"doc_store", "doc_store_text",
		"doc_receipt_tax", "doc_receipt_tax_date",
	},
	3: {"totalAmount", "paymentMethod", "paymentNotes"},
	5: {"contactLineId", "contactPhone"},
}

var boolFields = map[string]bool{
	"taxId_format_ok": true, "taxId_checksum_ok": true,
	"doc_quotation": true, "doc_invoice": true,
	"doc_store": true, "doc_receipt_tax": true,
}

var numberFields = map[string]bool{
	"totalAmount": true,
}

var textLimits = map[string]int{
	"officeName":           200,
	"taxInvoiceAddress":    200,
	"taxId13":              13,
	"officePhone":          50,
	"taxId_verify_status":  30,
	"taxId_verify_note":    500,
	"doc_quotation_date":   30,
	"doc_invoice_date":     30,
	"doc_store_text":       500,
	"doc_receipt_tax_date": 30,
	"paymentMethod":        30,
	"paymentNotes":         500,
	"contactLineId":        50,
	"contactPhone":         50,
}

func IsValidSection(section int) bool {
	_, ok := sectionFields[section]
	return ok
}

// RequestID is deterministic per owner: one draft row per identity.
func RequestID(ownerID string) string {
	return "req_" + strings.TrimSpace(ownerID)
}

// DefaultRow is a fresh draft for ownerID.
func DefaultRow(ownerID string, now time.Time) store.Row {
	row := store.Row{}
	for _, col := range store.RequestsSpec().Columns {
		row[col.Name] = store.Empty()
	}
	row["requestId"] = store.Text(RequestID(ownerID))
	row["lineUserId"] = store.Text(strings.TrimSpace(ownerID))
	row["status"] = store.Text(StatusDraft)
	row["sec1_done"] = store.Bool(false)
	row["sec2_done"] = store.Bool(false)
	row["sec3_done"] = store.Bool(false)
	row["sec5_done"] = store.Bool(false)
	row["progress_percent"] = store.Number(0)
	row["lastNotifiedProgress"] = store.Number(0)
	row["taxId_verify_status"] = store.Text("not_checked")
	row["createdAt"] = store.Time(now)
	row["updatedAt"] = store.Time(now)
	return row
}

// ApplySection writes the section's allowed fields from data onto row and
// returns the names of text fields that were shortened to fit their limit.
// Keys in data outside the section's field list are ignored.
func ApplySection(row store.Row, section int, data map[string]any) (truncated []string) {
	for _, field := range sectionFields[section] {
		raw, ok := data[field]
		if !ok {
			continue
		}
		value, wasTruncated := coerce(field, raw)
		row[field] = value
		if wasTruncated {
			truncated = append(truncated, field)
		}
	}
	return truncated
}

func coerce(field string, raw any) (store.Value, bool) {
	switch {
	case boolFields[field]:
		return store.Bool(truthy(raw)), false
	case numberFields[field]:
		text := strings.ReplaceAll(strings.TrimSpace(asString(raw)), ",", "")
		if text == "" {
			return store.Empty(), false
		}
		parsed, ok := store.Text(text).AsNumber()
		if !ok || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return store.Empty(), false
		}
		return store.Number(parsed), false
	default:
		limit := textLimits[field]
		if limit == 0 {
			limit = defaultTextLimit
		}
		text := strings.TrimSpace(asString(raw))
		if runes := []rune(text); len(runes) > limit {
			return store.Text(string(runes[:limit])), true
		}
		return store.Text(text), false
	}
}

func truthy(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case float64:
		return v == 1
	case int:
		return v == 1
	default:
		return store.Text(asString(raw)).AsBool()
	}
}

func asString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return store.Number(v).EncodeText()
	case bool:
		return store.Bool(v).EncodeText()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Recompute derives the section-done flags, progress percentage and status
// from the row's current field values.
func Recompute(row store.Row) {
	sec1 := !row.Get("officeName").IsEmpty() &&
		!row.Get("taxInvoiceAddress").IsEmpty() &&
		!row.Get("taxId13").IsEmpty() &&
		!row.Get("officePhone").IsEmpty() &&
		row.Get("taxId_format_ok").AsBool() &&
		row.Get("taxId_checksum_ok").AsBool()

	sec2 := row.Get("doc_quotation").AsBool() ||
		row.Get("doc_invoice").AsBool() ||
		row.Get("doc_store").AsBool() ||
		row.Get("doc_receipt_tax").AsBool()

	_, hasAmount := row.Get("totalAmount").AsNumber()
	sec3 := hasAmount && strings.TrimSpace(row.Get("paymentMethod").AsText()) != ""

	sec5 := strings.TrimSpace(row.Get("contactPhone").AsText()) != "" ||
		strings.TrimSpace(row.Get("contactLineId").AsText()) != ""

	done := 0
	for _, ok := range []bool{sec1, sec2, sec3, sec5} {
		if ok {
			done++
		}
	}
	percent := int(math.Round(100 * float64(done) / 4))

	row["sec1_done"] = store.Bool(sec1)
	row["sec2_done"] = store.Bool(sec2)
	row["sec3_done"] = store.Bool(sec3)
	row["sec5_done"] = store.Bool(sec5)
	row["progress_percent"] = store.Number(float64(percent))
	if percent == 100 {
		row["status"] = store.Text(StatusReady)
	} else {
		row["status"] = store.Text(StatusDraft)
	}
}

// ProgressSummary reports the derived completion state of a recomputed row,
// in the shape the save endpoint returns.
func ProgressSummary(row store.Row) map[string]any {
	completed := []int{}
	for _, section := range []int{1, 2, 3, 5} {
		if row.Get(fmt.Sprintf("sec%d_done", section)).AsBool() {
			completed = append(completed, section)
		}
	}
	return map[string]any{
		"sec1_done":         row.Get("sec1_done").AsBool(),
		"sec2_done":         row.Get("sec2_done").AsBool(),
		"sec3_done":         row.Get("sec3_done").AsBool(),
		"sec5_done":         row.Get("sec5_done").AsBool(),
		"progress_percent":  Progress(row),
		"completedSections": completed,
	}
}

// Progress returns the row's progress percentage, 0 when unset.
func Progress(row store.Row) int {
	p, _ := row.Get("progress_percent").AsNumber()
	return int(p)
}

// ChangedFields compares two rows on their normalized cell values and
// returns the sorted names of fields that differ.
func ChangedFields(before, after store.Row) []string {
	keys := map[string]bool{}
	for k := range before {
		keys[k] = true
	}
	for k := range after {
		keys[k] = true
	}

	var changed []string
	for k := range keys {
		if canonical(before.Get(k)) != canonical(after.Get(k)) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func canonical(v store.Value) string {
	text := strings.TrimSpace(v.EncodeText())
	// Text cells holding a boolean word compare equal to a typed bool cell.
	switch strings.ToLower(text) {
	case "true", "false":
		return strings.ToLower(text)
	}
	return text
}

// Normalize renders a stored row as a JSON-ready map: booleans as booleans,
// numbers as numbers, timestamps as RFC3339 strings.
func Normalize(row store.Row) map[string]any {
	out := map[string]any{}
	for _, col := range store.RequestsSpec().Columns {
		v := row.Get(col.Name)
		switch col.Kind {
		case store.KindBool:
			out[col.Name] = v.AsBool()
		case store.KindNumber:
			if n, ok := v.AsNumber(); ok {
				out[col.Name] = n
			} else {
				out[col.Name] = 0.0
			}
		case store.KindTime:
			if t, ok := v.AsTime(); ok {
				out[col.Name] = t.UTC().Format(time.RFC3339)
			} else {
				out[col.Name] = ""
			}
		default:
			out[col.Name] = v.AsText()
		}
	}
	return out
}
