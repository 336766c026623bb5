package app

import (
	"strconv"
	"strings"
	"time"

	"requestdesk/api/internal/store"
)

const maxDocSummaryLen = 120

// forceTextFields are identifier-like cells that must never surface as
// numbers, even when their content parses as one.
var forceTextFields = map[string]bool{
	"requestId":     true,
	"lineUserId":    true,
	"taxId13":       true,
	"officePhone":   true,
	"contactPhone":  true,
	"contactLineId": true,
}

var docLabels = []struct {
	field string
	label string
}{
	{"doc_quotation", "ใบเสนอราคา"},
	{"doc_invoice", "ใบแจ้งหนี้/ใบส่งสินค้า"},
	{"doc_store", "เอกสารร้าน"},
	{"doc_receipt_tax", "ใบเสร็จ/ใบกำกับภาษี"},
}

// sortTimestamp orders the admin list: updatedAt wins, createdAt is the
// fallback, unparsable rows sink to the bottom.
func sortTimestamp(row store.Row) int64 {
	if t, ok := row.Get("updatedAt").AsTime(); ok {
		return t.UnixMilli()
	}
	if t, ok := row.Get("createdAt").AsTime(); ok {
		return t.UnixMilli()
	}
	return 0
}

// adminListItem is the compact projection for the admin overview table.
func adminListItem(row store.Row) map[string]any {
	progress, _ := row.Get("progress_percent").AsNumber()
	status := strings.TrimSpace(row.Get("status").AsText())
	if status == "" {
		status = "draft"
	}
	return map[string]any{
		"requestId":        strings.TrimSpace(row.Get("requestId").AsText()),
		"lineUserId":       strings.TrimSpace(row.Get("lineUserId").AsText()),
		"officeName":       strings.TrimSpace(row.Get("officeName").AsText()),
		"officePhone":      strings.TrimSpace(row.Get("officePhone").AsText()),
		"contactLineId":    strings.TrimSpace(row.Get("contactLineId").AsText()),
		"contactPhone":     strings.TrimSpace(row.Get("contactPhone").AsText()),
		"progress_percent": progress,
		"status":           status,
		"updatedAt":        displayTimestamp(row.Get("updatedAt"), row.Get("createdAt")),
		"docSummary":       docSummary(row),
		"paymentMethod":    strings.TrimSpace(row.Get("paymentMethod").AsText()),
		"totalAmount":      formatTotalAmount(row.Get("totalAmount")),
	}
}

// adminRowDetail renders every column of a draft plus the list projection
// extras, for the admin detail view.
func adminRowDetail(row store.Row) map[string]any {
	item := map[string]any{}
	for _, col := range store.RequestsSpec().Columns {
		v := row.Get(col.Name)
		switch {
		case forceTextFields[col.Name]:
			item[col.Name] = strings.TrimSpace(v.AsText())
		case col.Kind == store.KindBool:
			item[col.Name] = v.AsBool()
		case col.Kind == store.KindTime:
			if t, ok := v.AsTime(); ok {
				item[col.Name] = t.UTC().Format(time.RFC3339)
			} else {
				item[col.Name] = strings.TrimSpace(v.AsText())
			}
		case col.Kind == store.KindNumber:
			if n, ok := v.AsNumber(); ok {
				item[col.Name] = n
			} else {
				item[col.Name] = strings.TrimSpace(v.AsText())
			}
		default:
			item[col.Name] = v.AsText()
		}
	}

	progress, _ := row.Get("progress_percent").AsNumber()
	item["progress_percent"] = progress
	if strings.TrimSpace(row.Get("status").AsText()) == "" {
		item["status"] = "draft"
	}
	item["docSummary"] = docSummary(row)
	return item
}

// docSummary joins the Thai labels of requested document kinds, "-" when
// none are requested.
func docSummary(row store.Row) string {
	var parts []string
	for _, doc := range docLabels {
		if row.Get(doc.field).AsBool() {
			parts = append(parts, doc.label)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return truncateAdminText(strings.Join(parts, ", "), maxDocSummaryLen)
}

// formatTotalAmount renders the amount as a plain numeric string. Cells that
// do not parse keep their raw text.
func formatTotalAmount(v store.Value) string {
	raw := strings.TrimSpace(v.AsText())
	if raw == "" {
		return ""
	}
	if n, ok := v.AsNumber(); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return raw
}

func displayTimestamp(primary, fallback store.Value) string {
	for _, v := range []store.Value{primary, fallback} {
		if t, ok := v.AsTime(); ok {
			return t.UTC().Format(time.RFC3339)
		}
		if raw := strings.TrimSpace(v.AsText()); raw != "" {
			return raw
		}
	}
	return ""
}

// truncateAdminText limits by rune count; Thai text stays valid UTF-8.
func truncateAdminText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
