package store

const (
	TableRequests = "requests"
	TableAdmins   = "admins"
	TableAuditLog = "audit_log"
)

// RequestsSpec is the draft table: one row per end-user identity.
func RequestsSpec() TableSpec {
	return TableSpec{
		Name: TableRequests,
		Key:  "lineUserId",
		Columns: []Column{
			{Name: "requestId", Kind: KindText},
			{Name: "lineUserId", Kind: KindText},
			{Name: "status", Kind: KindText},
			{Name: "sec1_done", Kind: KindBool},
			{Name: "sec2_done", Kind: KindBool},
			{Name: "sec3_done", Kind: KindBool},
			{Name: "sec5_done", Kind: KindBool},
			{Name: "progress_percent", Kind: KindNumber},
			{Name: "lastNotifiedProgress", Kind: KindNumber},
			{Name: "officeName", Kind: KindText},
			{Name: "taxInvoiceAddress", Kind: KindText},
			{Name: "taxId13", Kind: KindText},
			{Name: "officePhone", Kind: KindText},
			{Name: "taxId_format_ok", Kind: KindBool},
			{Name: "taxId_checksum_ok", Kind: KindBool},
			{Name: "taxId_verify_status", Kind: KindText},
			{Name: "taxId_verify_note", Kind: KindText},
			{Name: "doc_quotation", Kind: KindBool},
			{Name: "doc_quotation_date", Kind: KindText},
			{Name: "doc_invoice", Kind: KindBool},
			{Name: "doc_invoice_date", Kind: KindText},
			{Name: "doc_store", Kind: KindBool},
			{Name: "doc_store_text", Kind: KindText},
			{Name: "doc_receipt_tax", Kind: KindBool},
			{Name: "doc_receipt_tax_date", Kind: KindText},
			{Name: "totalAmount", Kind: KindNumber},
			{Name: "paymentMethod", Kind: KindText},
			{Name: "paymentNotes", Kind: KindText},
			{Name: "contactLineId", Kind: KindText},
			{Name: "contactPhone", Kind: KindText},
			{Name: "createdAt", Kind: KindTime},
			{Name: "updatedAt", Kind: KindTime},
		},
		Critical: []string{
			"requestId", "lineUserId", "status",
			"sec1_done", "sec2_done", "sec3_done", "sec5_done",
			"progress_percent", "lastNotifiedProgress",
			"createdAt", "updatedAt",
		},
	}
}

// AdminsSpec is the administrator allow-list.
func AdminsSpec() TableSpec {
	return TableSpec{
		Name: TableAdmins,
		Key:  "lineUserId",
		Columns: []Column{
			{Name: "lineUserId", Kind: KindText},
			{Name: "email", Kind: KindText},
			{Name: "role", Kind: KindText},
			{Name: "isActive", Kind: KindBool},
			{Name: "createdAt", Kind: KindTime},
			{Name: "updatedAt", Kind: KindTime},
		},
		Critical: []string{"lineUserId", "isActive"},
	}
}

// AuditLogSpec is the append-only audit trail.
func AuditLogSpec() TableSpec {
	return TableSpec{
		Name: TableAuditLog,
		Key:  "id",
		Columns: []Column{
			{Name: "id", Kind: KindText},
			{Name: "ts", Kind: KindTime},
			{Name: "actorLineUserId", Kind: KindText},
			{Name: "action", Kind: KindText},
			{Name: "targetRequestId", Kind: KindText},
			{Name: "metaJson", Kind: KindText},
		},
		Critical: []string{"ts", "action", "metaJson"},
	}
}

// AllSpecs returns every table this service manages, used at startup and by
// the schema-readiness check on admin paths.
func AllSpecs() []TableSpec {
	return []TableSpec{RequestsSpec(), AdminsSpec(), AuditLogSpec()}
}
