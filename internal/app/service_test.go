package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"requestdesk/api/internal/allowlist"
	"requestdesk/api/internal/audit"
	"requestdesk/api/internal/idtoken"
	"requestdesk/api/internal/ratelimit"
	"requestdesk/api/internal/store"
)

type fakeVerifier struct {
	fn    func(ctx context.Context, rawToken string) (idtoken.Claims, error)
	calls int
}

func (f *fakeVerifier) Verify(ctx context.Context, rawToken string) (idtoken.Claims, error) {
	f.calls++
	return f.fn(ctx, rawToken)
}

type fakeNotifier struct {
	advance  bool
	progress []int
}

func (f *fakeNotifier) MaybeNotify(ctx context.Context, ownerID, requestID string, progress, lastNotified int) bool {
	f.progress = append(f.progress, progress)
	return f.advance && progress > lastNotified
}

type fakeLimiter struct {
	deny    map[string]bool
	actions []string
}

func (f *fakeLimiter) CheckAndConsume(ctx context.Context, action, actorID string, limit, windowSeconds int) ratelimit.Result {
	f.actions = append(f.actions, action)
	if f.deny[action] {
		return ratelimit.Result{
			Applicable: true, Allowed: false,
			Count: limit + 1, Limit: limit,
			WindowSeconds: windowSeconds, RetryAfterSec: 30,
		}
	}
	return ratelimit.Result{Applicable: true, Allowed: true, Count: 1, Limit: limit, WindowSeconds: windowSeconds}
}

func okVerifier(email string) *fakeVerifier {
	return &fakeVerifier{fn: func(ctx context.Context, rawToken string) (idtoken.Claims, error) {
		return idtoken.Claims{
			Email:     email,
			Name:      "Admin Person",
			Expiry:    time.Now().Add(time.Hour).Unix(),
			TokenHash: "hash1234",
			TokenRef:  "ref123",
		}, nil
	}}
}

type testEnv struct {
	service  *Service
	store    *store.MemoryStore
	verifier *fakeVerifier
	notifier *fakeNotifier
	limiter  *fakeLimiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	memStore := store.NewMemoryStore()
	verifier := okVerifier("admin@example.com")
	notifier := &fakeNotifier{}
	limiter := &fakeLimiter{deny: map[string]bool{}}

	service := NewService(
		memStore, limiter, audit.New(memStore), verifier,
		allowlist.New(memStore), notifier,
		Config{VerifyMode: "tokeninfo", AllowedDomain: "example.com"},
	)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return base }
	return &testEnv{service: service, store: memStore, verifier: verifier, notifier: notifier, limiter: limiter}
}

func (e *testEnv) seedAdmin(t *testing.T, ownerID, email string) {
	t.Helper()
	ctx := context.Background()
	if err := e.service.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	row := store.Row{
		"lineUserId": store.Text(ownerID),
		"email":      store.Text(email),
		"role":       store.Text("admin"),
		"isActive":   store.Bool(true),
	}
	if err := e.store.AppendRow(ctx, store.TableAdmins, row); err != nil {
		t.Fatalf("seed admin failed: %v", err)
	}
}

func wantDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("error = %d %s, want %d %s", domainErr.Status, domainErr.Code, status, code)
	}
	return domainErr
}

func section1Data() map[string]any {
	return map[string]any{
		"officeName":        "สำนักงานทดสอบ",
		"taxInvoiceAddress": "123 ถนนทดสอบ",
		"taxId13":           "1234567890123",
		"officePhone":       "021234567",
		"taxId_format_ok":   true,
		"taxId_checksum_ok": true,
	}
}

func TestSaveSectionCreatesDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.service.SaveSection(ctx, "U1", 1, section1Data(), "")
	if err != nil {
		t.Fatalf("SaveSection failed: %v", err)
	}
	if result["requestId"] != "req_U1" || result["lineUserId"] != "U1" {
		t.Errorf("identity = %v / %v", result["requestId"], result["lineUserId"])
	}
	if result["status"] != "draft" {
		t.Errorf("status = %v", result["status"])
	}

	progress := result["progress"].(map[string]any)
	if progress["sec1_done"] != true || progress["progress_percent"] != 25 {
		t.Errorf("progress = %+v", progress)
	}

	changed := result["changed"].(map[string]any)
	if changed["officeName"] != "สำนักงานทดสอบ" {
		t.Errorf("changed officeName = %v", changed["officeName"])
	}
	if _, ok := changed["createdAt"]; !ok {
		t.Error("new row should report createdAt as changed")
	}

	found, err := env.store.FindRowByKey(ctx, store.TableRequests, "lineUserId", "U1")
	if err != nil || found == nil {
		t.Fatalf("draft row not persisted: %v", err)
	}
	if got := found.Row.Get("taxId_verify_status").AsText(); got != "not_checked" {
		t.Errorf("taxId_verify_status = %q", got)
	}
}

func TestSaveSectionValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.SaveSection(ctx, "  ", 1, map[string]any{}, "")
	wantDomainError(t, err, 400, "MISSING_LINE_USER_ID")

	_, err = env.service.SaveSection(ctx, "U1", 4, map[string]any{}, "")
	wantDomainError(t, err, 400, "INVALID_SECTION")

	_, err = env.service.SaveSection(ctx, "U1", 1, nil, "")
	wantDomainError(t, err, 400, "MISSING_DATA")
}

func TestSaveSectionMaintenance(t *testing.T) {
	env := newTestEnv(t)
	env.service.cfg.Maintenance = true

	_, err := env.service.SaveSection(context.Background(), "U1", 1, map[string]any{}, "")
	wantDomainError(t, err, 503, "MAINTENANCE")
}

func TestSaveSectionRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.limiter.deny["saveSection"] = true

	_, err := env.service.SaveSection(context.Background(), "U1", 1, map[string]any{}, "")
	domainErr := wantDomainError(t, err, 429, "RATE_LIMIT")
	if domainErr.Details["retryAfterSec"] != 30 {
		t.Errorf("retryAfterSec = %v", domainErr.Details["retryAfterSec"])
	}
}

func TestSaveSectionCompletionAndNotification(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.advance = true
	ctx := context.Background()

	sections := map[int]map[string]any{
		1: section1Data(),
		2: {"doc_quotation": true},
		3: {"totalAmount": "1,234.50", "paymentMethod": "transfer"},
	}
	for section, data := range sections {
		if _, err := env.service.SaveSection(ctx, "U1", section, data, ""); err != nil {
			t.Fatalf("SaveSection(%d) failed: %v", section, err)
		}
	}
	result, err := env.service.SaveSection(ctx, "U1", 5, map[string]any{"contactPhone": "0812345678"}, "")
	if err != nil {
		t.Fatalf("SaveSection(5) failed: %v", err)
	}

	if result["status"] != "ready" {
		t.Errorf("status = %v", result["status"])
	}
	progress := result["progress"].(map[string]any)
	if progress["progress_percent"] != 100 {
		t.Errorf("progress_percent = %v", progress["progress_percent"])
	}

	last := env.notifier.progress[len(env.notifier.progress)-1]
	if last != 100 {
		t.Errorf("last notified progress = %d", last)
	}

	found, _ := env.store.FindRowByKey(ctx, store.TableRequests, "lineUserId", "U1")
	if n, _ := found.Row.Get("lastNotifiedProgress").AsNumber(); n != 100 {
		t.Errorf("lastNotifiedProgress = %v", n)
	}
}

func TestSaveSectionCoercion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	data := map[string]any{
		"totalAmount":   "12,000",
		"paymentMethod": "  cash  ",
	}
	result, err := env.service.SaveSection(ctx, "U1", 3, data, "")
	if err != nil {
		t.Fatalf("SaveSection failed: %v", err)
	}
	changed := result["changed"].(map[string]any)
	if changed["totalAmount"] != 12000.0 {
		t.Errorf("totalAmount = %v", changed["totalAmount"])
	}
	if changed["paymentMethod"] != "cash" {
		t.Errorf("paymentMethod = %v", changed["paymentMethod"])
	}
}

func TestGetDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.service.GetDraft(ctx, "U404")
	if err != nil {
		t.Fatalf("GetDraft failed: %v", err)
	}
	if result["found"] != false {
		t.Errorf("found = %v", result["found"])
	}

	if _, err := env.service.SaveSection(ctx, "U1", 1, section1Data(), ""); err != nil {
		t.Fatalf("SaveSection failed: %v", err)
	}
	result, err = env.service.GetDraft(ctx, "U1")
	if err != nil {
		t.Fatalf("GetDraft failed: %v", err)
	}
	request := result["request"].(map[string]any)
	if request["requestId"] != "req_U1" || request["sec1_done"] != true {
		t.Errorf("request = %+v", request)
	}

	_, err = env.service.GetDraft(ctx, "")
	wantDomainError(t, err, 400, "MISSING_LINE_USER_ID")
}

func TestMeRoles(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "Uadmin", "admin@example.com")
	ctx := context.Background()

	payload := env.service.Me(ctx, "Uadmin")
	if payload["role"] != "admin" || payload["isAdmin"] != true {
		t.Errorf("admin payload = %+v", payload)
	}

	payload = env.service.Me(ctx, "Ucustomer")
	if payload["role"] != "customer" || payload["isAdmin"] != false {
		t.Errorf("customer payload = %+v", payload)
	}

	payload = env.service.Me(ctx, "")
	if payload["role"] != "unknown" || payload["lineUserId"] != nil {
		t.Errorf("anonymous payload = %+v", payload)
	}
	if payload["schemaReady"] != true {
		t.Errorf("schemaReady = %v", payload["schemaReady"])
	}
}

func TestAdminLoginSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "Uadmin", "admin@example.com")

	payload, err := env.service.AdminLogin(context.Background(), "Uadmin", "tok", "2026-03-01T12:00:00Z")
	if err != nil {
		t.Fatalf("AdminLogin failed: %v", err)
	}
	if payload["isAdmin"] != true || payload["email"] != "admin@example.com" || payload["role"] != "admin" {
		t.Errorf("payload = %+v", payload)
	}

	rows, _ := env.store.ScanRows(context.Background(), store.TableAuditLog)
	last := rows[len(rows)-1]
	if last.Get("action").AsText() != "adminLoginSuccess" {
		t.Errorf("audit action = %q", last.Get("action").AsText())
	}
}

func TestAdminLoginDenialsAreUniform(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, env *testEnv)
	}{
		{"not on allow list", func(t *testing.T, env *testEnv) {}},
		{"email mismatch", func(t *testing.T, env *testEnv) {
			env.seedAdmin(t, "Uadmin", "someone-else@example.com")
		}},
		{"token rejected", func(t *testing.T, env *testEnv) {
			env.seedAdmin(t, "Uadmin", "admin@example.com")
			env.verifier.fn = func(ctx context.Context, rawToken string) (idtoken.Claims, error) {
				return idtoken.Claims{}, &idtoken.Error{Code: "GOOGLE_TOKEN_INVALID", Status: 403, Message: "invalid"}
			}
		}},
		{"wrong domain", func(t *testing.T, env *testEnv) {
			env.seedAdmin(t, "Uadmin", "admin@other.org")
			env.verifier.fn = okVerifier("admin@other.org").fn
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			tc.setup(t, env)
			_, err := env.service.AdminLogin(context.Background(), "Uadmin", "tok", "")
			domainErr := wantDomainError(t, err, 403, "NOT_AUTHORIZED")
			if domainErr.Message != "ไม่ได้รับอนุญาต" {
				t.Errorf("message = %q", domainErr.Message)
			}
		})
	}
}

func TestAdminLoginMissingAuth(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.AdminLogin(context.Background(), "", "", "")
	domainErr := wantDomainError(t, err, 403, "NOT_AUTHORIZED")
	if domainErr.ReasonCode() != "MISSING_ADMIN_AUTH" {
		t.Errorf("reason = %q", domainErr.ReasonCode())
	}
	if env.verifier.calls != 0 {
		t.Error("verifier must not be called without both identifiers")
	}
}

func TestAdminRateLimitPassesThrough(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "Uadmin", "admin@example.com")
	env.limiter.deny["admin:adminlogin"] = true

	_, err := env.service.AdminLogin(context.Background(), "Uadmin", "tok", "")
	wantDomainError(t, err, 429, "RATE_LIMIT")
}

func TestAdminMe(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "Uadmin", "admin@example.com")

	payload, err := env.service.AdminMe(context.Background(), "Uadmin", "tok")
	if err != nil {
		t.Fatalf("AdminMe failed: %v", err)
	}
	if payload["lineUserId"] != "Uadmin" || payload["role"] != "admin" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestAdminListRequestsPagination(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "Uadmin", "admin@example.com")
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, owner := range []string{"U1", "U2", "U3"} {
		at := base.Add(time.Duration(i) * time.Minute)
		env.service.now = func() time.Time { return at }
		if _, err := env.service.SaveSection(ctx, owner, 1, section1Data(), ""); err != nil {
			t.Fatalf("seed draft %s failed: %v", owner, err)
		}
	}

	payload, err := env.service.AdminListRequests(ctx, "Uadmin", "tok", 2, nil)
	if err != nil {
		t.Fatalf("AdminListRequests failed: %v", err)
	}
	items := payload["items"].([]map[string]any)
	if len(items) != 2 {
		t.Fatalf("item count = %d", len(items))
	}
	// Newest first.
	if items[0]["lineUserId"] != "U3" || items[1]["lineUserId"] != "U2" {
		t.Errorf("order = %v, %v", items[0]["lineUserId"], items[1]["lineUserId"])
	}
	if payload["nextCursor"] != "2" {
		t.Errorf("nextCursor = %v", payload["nextCursor"])
	}

	payload, err = env.service.AdminListRequests(ctx, "Uadmin", "tok", 2, "2")
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	items = payload["items"].([]map[string]any)
	if len(items) != 1 || items[0]["lineUserId"] != "U1" {
		t.Errorf("second page = %+v", items)
	}
	if payload["nextCursor"] != nil {
		t.Errorf("nextCursor = %v", payload["nextCursor"])
	}
}

func TestAdminListItemProjection(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "Uadmin", "admin@example.com")
	ctx := context.Background()

	if _, err := env.service.SaveSection(ctx, "U1", 2, map[string]any{
		"doc_quotation": true, "doc_receipt_tax": true,
	}, ""); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := env.service.SaveSection(ctx, "U1", 3, map[string]any{
		"totalAmount": "9,500", "paymentMethod": "transfer",
	}, ""); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := env.service.SaveSection(ctx, "U1", 5, map[string]any{
		"contactLineId": "@acme", "contactPhone": "0812345678",
	}, ""); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	payload, err := env.service.AdminListRequests(ctx, "Uadmin", "tok", nil, nil)
	if err != nil {
		t.Fatalf("AdminListRequests failed: %v", err)
	}
	item := payload["items"].([]map[string]any)[0]
	if item["docSummary"] != "ใบเสนอราคา, ใบเสร็จ/ใบกำกับภาษี" {
		t.Errorf("docSummary = %v", item["docSummary"])
	}
	if item["totalAmount"] != "9500" {
		t.Errorf("totalAmount = %v", item["totalAmount"])
	}
	if item["status"] != "draft" || item["progress_percent"] != 75.0 {
		t.Errorf("status=%v progress=%v", item["status"], item["progress_percent"])
	}
	if item["officePhone"] != "" || item["contactLineId"] != "@acme" || item["contactPhone"] != "0812345678" {
		t.Errorf("contact fields = %v / %v / %v", item["officePhone"], item["contactLineId"], item["contactPhone"])
	}

	wantKeys := []string{
		"requestId", "lineUserId", "officeName", "officePhone", "contactLineId",
		"contactPhone", "progress_percent", "status", "updatedAt", "docSummary",
		"paymentMethod", "totalAmount",
	}
	if len(item) != len(wantKeys) {
		t.Errorf("list item has %d fields, want %d: %v", len(item), len(wantKeys), item)
	}
	for _, key := range wantKeys {
		if _, ok := item[key]; !ok {
			t.Errorf("list item missing %q", key)
		}
	}
	if _, ok := item["taxId13"]; ok {
		t.Error("tax id must not surface in the list projection")
	}
}

func TestDocSummaryKeepsThaiIntact(t *testing.T) {
	row := store.Row{
		"doc_quotation":   store.Bool(true),
		"doc_invoice":     store.Bool(true),
		"doc_store":       store.Bool(true),
		"doc_receipt_tax": store.Bool(true),
	}

	got := docSummary(row)
	want := "ใบเสนอราคา, ใบแจ้งหนี้/ใบส่งสินค้า, เอกสารร้าน, ใบเสร็จ/ใบกำกับภาษี"
	if got != want {
		t.Errorf("docSummary = %q, want %q", got, want)
	}
	if !utf8.ValidString(got) {
		t.Error("docSummary is not valid UTF-8")
	}

	long := strings.Repeat("ก", 150)
	clamped := truncateAdminText(long, maxDocSummaryLen)
	if utf8.RuneCountInString(clamped) != maxDocSummaryLen {
		t.Errorf("clamped to %d runes, want %d", utf8.RuneCountInString(clamped), maxDocSummaryLen)
	}
	if !utf8.ValidString(clamped) || !strings.HasSuffix(clamped, "...") {
		t.Errorf("clamped text = %q", clamped)
	}
}

func TestAdminGetRequest(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "Uadmin", "admin@example.com")
	ctx := context.Background()

	if _, err := env.service.SaveSection(ctx, "U1", 1, section1Data(), ""); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	payload, err := env.service.AdminGetRequest(ctx, "Uadmin", "tok", "req_U1")
	if err != nil {
		t.Fatalf("AdminGetRequest failed: %v", err)
	}
	item := payload["item"].(map[string]any)
	if item["requestId"] != "req_U1" || item["officeName"] != "สำนักงานทดสอบ" {
		t.Errorf("item = %+v", item)
	}
	if item["docSummary"] != "-" {
		t.Errorf("docSummary = %v", item["docSummary"])
	}

	_, err = env.service.AdminGetRequest(ctx, "Uadmin", "tok", "req_missing")
	domainErr := wantDomainError(t, err, 404, "NOT_FOUND")
	if domainErr.Message != "ไม่พบคำขอ" {
		t.Errorf("message = %q", domainErr.Message)
	}

	_, err = env.service.AdminGetRequest(ctx, "Uadmin", "tok", "")
	wantDomainError(t, err, 403, "NOT_AUTHORIZED")
}

func TestAdminGetRequestMissingIDKeepsReason(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "Uadmin", "admin@example.com")

	_, err := env.service.AdminGetRequest(context.Background(), "Uadmin", "tok", "")
	domainErr := wantDomainError(t, err, 403, "NOT_AUTHORIZED")
	if domainErr.ReasonCode() != "MISSING_REQUEST_ID" {
		t.Errorf("reason = %q", domainErr.ReasonCode())
	}
}
