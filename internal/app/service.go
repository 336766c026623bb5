package app

import (
	"context"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"requestdesk/api/internal/allowlist"
	"requestdesk/api/internal/audit"
	"requestdesk/api/internal/draft"
	"requestdesk/api/internal/idtoken"
	"requestdesk/api/internal/obs"
	"requestdesk/api/internal/ratelimit"
	"requestdesk/api/internal/store"
)

const (
	serviceName = "requestdesk-api"

	saveRateLimit          = 10
	saveRateWindowSeconds  = 60
	adminRateLimit         = 20
	adminRateWindowSeconds = 60

	listDefaultLimit = 50
	listMaxLimit     = 200
)

// Consumer-side contracts so tests can substitute fakes.

type tokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (idtoken.Claims, error)
}

type adminDirectory interface {
	Lookup(ctx context.Context, ownerID string) (*allowlist.Record, error)
	RoleFor(ctx context.Context, ownerID string) (string, error)
}

type progressNotifier interface {
	MaybeNotify(ctx context.Context, ownerID, requestID string, progress, lastNotified int) bool
}

type rateLimiter interface {
	CheckAndConsume(ctx context.Context, action, actorID string, limit, windowSeconds int) ratelimit.Result
}

// Config carries the policy knobs the boundary operations need.
type Config struct {
	VerifyMode    string
	AllowedDomain string
	AllowedEmails []string
	Maintenance   bool
	LockTimeout   time.Duration
}

type Service struct {
	store    store.Store
	limiter  rateLimiter
	audit    *audit.Logger
	verifier tokenVerifier
	allow    adminDirectory
	notifier progressNotifier
	cfg      Config
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func NewService(
	s store.Store,
	limiter rateLimiter,
	auditLog *audit.Logger,
	verifier tokenVerifier,
	allow adminDirectory,
	notifier progressNotifier,
	cfg Config,
) *Service {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	return &Service{
		store:    s,
		limiter:  limiter,
		audit:    auditLog,
		verifier: verifier,
		allow:    allow,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		locks:    map[string]*semaphore.Weighted{},
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Health() map[string]any {
	return map[string]any{
		"service":   serviceName,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
}

// EnsureSchema heals every managed table and logs any critical-column drift.
func (s *Service) EnsureSchema(ctx context.Context) error {
	for _, spec := range store.AllSpecs() {
		report, err := s.store.EnsureSchema(ctx, spec)
		if err != nil {
			log.Printf("schema init failed on %s: %v", spec.Name, err)
			return domainError(500, "INVALID_REQUESTS_SCHEMA", "Storage schema is not usable.")
		}
		if report.HasDrift() {
			log.Printf("schema drift on %s: missing=%v moved=%v",
				report.Table, report.MissingCritical, report.MovedCritical)
		}
	}
	return nil
}

// actorLock serializes saves per owner. Different owners write different rows
// and proceed in parallel.
func (s *Service) actorLock(ownerID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[ownerID]
	if !ok {
		lock = semaphore.NewWeighted(1)
		s.locks[ownerID] = lock
	}
	return lock
}

// SaveSection validates and persists one form section for an owner, then
// recomputes progress and fires the milestone notification.
func (s *Service) SaveSection(ctx context.Context, ownerID string, section int, data map[string]any, clientTs string) (map[string]any, error) {
	ownerID = clampText(ownerID, draft.MaxOwnerIDLen)
	clientTs = clampText(clientTs, draft.MaxClientTsLen)

	if ownerID == "" {
		return nil, badRequest("MISSING_LINE_USER_ID", "lineUserId is required.")
	}
	if !draft.IsValidSection(section) {
		return nil, badRequest("INVALID_SECTION", "section must be one of: 1, 2, 3, 5.")
	}
	if data == nil {
		return nil, badRequest("MISSING_DATA", "data object is required.")
	}

	if s.cfg.Maintenance {
		s.audit.Log(ctx, audit.Entry{
			Action: "maintenanceBlocked", ActorID: ownerID, Section: section,
			ErrorCode: "MAINTENANCE",
		})
		return nil, domainError(503, "MAINTENANCE", "ระบบปิดปรับปรุงชั่วคราว")
	}

	if result := s.limiter.CheckAndConsume(ctx, "saveSection", ownerID, saveRateLimit, saveRateWindowSeconds); result.Applicable && !result.Allowed {
		obs.RateLimitDeniedTotal.WithLabelValues("saveSection").Inc()
		return nil, rateLimitError(result)
	}

	if err := s.EnsureSchema(ctx); err != nil {
		obs.SectionSavesTotal.WithLabelValues("error").Inc()
		return nil, asDomainError(err)
	}

	lock := s.actorLock(ownerID)
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()
	if err := lock.Acquire(lockCtx, 1); err != nil {
		return nil, domainError(503, "LOCK_BUSY", "ระบบไม่ว่าง กรุณาลองใหม่อีกครั้ง")
	}
	defer lock.Release(1)

	now := s.now().UTC()
	found, err := s.store.FindRowByKey(ctx, store.TableRequests, "lineUserId", ownerID)
	if err != nil {
		obs.SectionSavesTotal.WithLabelValues("error").Inc()
		return nil, asDomainError(err)
	}

	// A new draft diffs against an empty baseline so the seeded identity and
	// lifecycle fields surface in the changed set.
	var position int64
	var row store.Row
	before := store.Row{}
	if found == nil {
		row = draft.DefaultRow(ownerID, now)
	} else {
		position = found.Position
		row = found.Row
		before = row.Clone()
		seedRowDefaults(row, ownerID, now)
	}
	requestID := row.Get("requestId").AsText()

	truncated := draft.ApplySection(row, section, data)
	if len(truncated) > 0 {
		s.audit.Log(ctx, audit.Entry{
			Action: "inputTruncated", ActorID: ownerID, TargetRequestID: requestID,
			Section: section, Changes: truncated,
		})
	}

	draft.Recompute(row)
	row["updatedAt"] = store.Time(now)

	position, err = s.store.UpsertRow(ctx, store.TableRequests, position, row)
	if err != nil {
		obs.SectionSavesTotal.WithLabelValues("error").Inc()
		return nil, asDomainError(err)
	}

	progress := draft.Progress(row)
	lastNotified, _ := row.Get("lastNotifiedProgress").AsNumber()
	if s.notifier.MaybeNotify(ctx, ownerID, requestID, progress, int(lastNotified)) && progress > int(lastNotified) {
		row["lastNotifiedProgress"] = store.Number(float64(progress))
		if err := s.store.UpdateCell(ctx, store.TableRequests, position, "lastNotifiedProgress", row["lastNotifiedProgress"]); err != nil {
			log.Printf("lastNotifiedProgress write failed for %s: %v", requestID, err)
		}
	}

	changedKeys := draft.ChangedFields(before, row)
	normalized := draft.Normalize(row)
	changed := map[string]any{}
	for _, key := range changedKeys {
		changed[key] = normalized[key]
	}

	extra := map[string]any{}
	if clientTs != "" {
		extra["clientTs"] = clientTs
	}
	s.audit.Log(ctx, audit.Entry{
		Action: "saveSection", ActorID: ownerID, TargetRequestID: requestID,
		Section: section, Changes: changedKeys, Extra: extra,
	})
	obs.SectionSavesTotal.WithLabelValues("ok").Inc()

	return map[string]any{
		"requestId":  requestID,
		"lineUserId": ownerID,
		"updatedAt":  now.Format(time.RFC3339),
		"status":     row.Get("status").AsText(),
		"progress":   draft.ProgressSummary(row),
		"changed":    changed,
	}, nil
}

// seedRowDefaults backfills identity and lifecycle cells on rows written
// before the current schema.
func seedRowDefaults(row store.Row, ownerID string, now time.Time) {
	if row.Get("requestId").IsEmpty() {
		row["requestId"] = store.Text(draft.RequestID(ownerID))
	}
	if row.Get("lineUserId").IsEmpty() {
		row["lineUserId"] = store.Text(ownerID)
	}
	if _, ok := row.Get("createdAt").AsTime(); !ok {
		row["createdAt"] = store.Time(now)
	}
	if row.Get("taxId_verify_status").IsEmpty() {
		row["taxId_verify_status"] = store.Text("not_checked")
	}
}

// GetDraft returns the owner's full normalized draft, or found=false.
func (s *Service) GetDraft(ctx context.Context, ownerID string) (map[string]any, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, badRequest("MISSING_LINE_USER_ID", "lineUserId is required.")
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, asDomainError(err)
	}

	found, err := s.store.FindRowByKey(ctx, store.TableRequests, "lineUserId", ownerID)
	if err != nil {
		return nil, asDomainError(err)
	}
	if found == nil {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{
		"found":   true,
		"request": draft.Normalize(found.Row),
	}, nil
}

// Me resolves the caller's role for the public profile route. A schema
// failure is reported in the payload, never as an error.
func (s *Service) Me(ctx context.Context, ownerID string) map[string]any {
	ownerID = strings.TrimSpace(ownerID)

	schemaReady := true
	schemaError := ""
	if err := s.EnsureSchema(ctx); err != nil {
		schemaReady = false
		schemaError = err.Error()
		s.audit.Log(ctx, audit.Entry{
			Action: "schemaInitFailed", ActorID: ownerID,
			ErrorCode: "SCHEMA_INIT_FAILED",
			Extra:     map[string]any{"message": schemaError},
		})
	}

	role := allowlist.RoleUnknown
	isAdmin := false
	if ownerID != "" && schemaReady {
		if resolved, err := s.allow.RoleFor(ctx, ownerID); err == nil {
			role = resolved
			isAdmin = role != allowlist.RoleCustomer && role != allowlist.RoleUnknown
		}
	}

	payload := map[string]any{
		"lineUserId":  nilIfEmpty(ownerID),
		"role":        role,
		"isAdmin":     isAdmin,
		"schemaReady": schemaReady,
	}
	if schemaError != "" {
		payload["schemaError"] = schemaError
	}
	return payload
}

// AdminContext is the verified admin identity attached to an admin call.
type AdminContext struct {
	Email     string
	Name      string
	Picture   string
	Role      string
	TokenHash string
	TokenRef  string
	FromCache bool
}

// VerifyAdminContext is the single chokepoint for admin authorization:
// rate limit, token verification, email policy, then the allow list.
func (s *Service) VerifyAdminContext(ctx context.Context, ownerID, rawToken, action string) (AdminContext, error) {
	ownerID = clampText(ownerID, draft.MaxOwnerIDLen)
	rawToken = strings.TrimSpace(rawToken)
	if ownerID == "" || rawToken == "" {
		return AdminContext{}, adminAuthError("MISSING_ADMIN_AUTH", nil)
	}

	limitAction := "admin:" + strings.ToLower(strings.TrimSpace(action))
	if result := s.limiter.CheckAndConsume(ctx, limitAction, ownerID, adminRateLimit, adminRateWindowSeconds); result.Applicable && !result.Allowed {
		obs.RateLimitDeniedTotal.WithLabelValues(limitAction).Inc()
		return AdminContext{}, rateLimitError(result)
	}

	if err := s.EnsureSchema(ctx); err != nil {
		return AdminContext{}, asDomainError(err)
	}

	claims, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		return AdminContext{}, err
	}
	if err := idtoken.EnforceEmailPolicy(claims.Email, s.cfg.AllowedDomain, s.cfg.AllowedEmails); err != nil {
		return AdminContext{}, err
	}

	record, err := s.allow.Lookup(ctx, ownerID)
	if err != nil {
		return AdminContext{}, asDomainError(err)
	}
	tokenDetails := map[string]any{
		"verifiedEmail": claims.Email,
		"tokenHash":     claims.TokenHash,
		"tokenRef":      claims.TokenRef,
	}
	if record == nil {
		return AdminContext{}, adminAuthError("ALLOWLIST_DENIED", tokenDetails)
	}
	if record.Email != "" && record.Email != strings.ToLower(strings.TrimSpace(claims.Email)) {
		return AdminContext{}, adminAuthError("ALLOWLIST_EMAIL_MISMATCH", tokenDetails)
	}

	return AdminContext{
		Email:     strings.ToLower(strings.TrimSpace(claims.Email)),
		Name:      clampText(claims.Name, 200),
		Picture:   clampText(claims.Picture, 500),
		Role:      record.Role,
		TokenHash: claims.TokenHash,
		TokenRef:  claims.TokenRef,
		FromCache: claims.FromCache,
	}, nil
}

// AdminLogin verifies the caller and audits both outcomes.
func (s *Service) AdminLogin(ctx context.Context, ownerID, rawToken, clientTs string) (map[string]any, error) {
	ownerID = clampText(ownerID, draft.MaxOwnerIDLen)
	clientTs = clampText(clientTs, draft.MaxClientTsLen)

	adminCtx, err := s.VerifyAdminContext(ctx, ownerID, rawToken, "adminLogin")
	if err != nil {
		normalized := normalizeAdminError(err)
		extra := map[string]any{
			"code":       normalized.ReasonCode(),
			"message":    normalized.Message,
			"verifyMode": s.cfg.VerifyMode,
		}
		if clientTs != "" {
			extra["clientTs"] = clientTs
		}
		s.audit.Log(ctx, audit.Entry{Action: "adminLoginFail", ActorID: ownerID, Extra: extra})
		return nil, normalized
	}

	extra := map[string]any{
		"code":           "ADMIN_LOGIN_SUCCESS",
		"email":          adminCtx.Email,
		"role":           "admin",
		"verifyMode":     s.cfg.VerifyMode,
		"tokenFromCache": adminCtx.FromCache,
	}
	if clientTs != "" {
		extra["clientTs"] = clientTs
	}
	if adminCtx.TokenRef != "" {
		extra["tokenRef"] = adminCtx.TokenRef
	}
	if adminCtx.TokenHash != "" {
		extra["tokenHash"] = adminCtx.TokenHash
	}
	s.audit.Log(ctx, audit.Entry{Action: "adminLoginSuccess", ActorID: ownerID, Extra: extra})

	return map[string]any{
		"isAdmin": true,
		"email":   adminCtx.Email,
		"name":    adminCtx.Name,
		"picture": adminCtx.Picture,
		"role":    "admin",
	}, nil
}

// AdminMe is a thin identity probe over the chokepoint. Unlike AdminLogin it
// propagates raw verifier errors to the caller.
func (s *Service) AdminMe(ctx context.Context, ownerID, rawToken string) (map[string]any, error) {
	ownerID = clampText(ownerID, draft.MaxOwnerIDLen)
	adminCtx, err := s.VerifyAdminContext(ctx, ownerID, rawToken, "adminMe")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"lineUserId": ownerID,
		"isAdmin":    true,
		"role":       adminCtx.Role,
		"email":      adminCtx.Email,
	}, nil
}

// AdminListRequests pages all drafts, newest first.
func (s *Service) AdminListRequests(ctx context.Context, ownerID, rawToken string, rawLimit, rawCursor any) (map[string]any, error) {
	ownerID = clampText(ownerID, draft.MaxOwnerIDLen)
	limit := normalizeListLimit(rawLimit)
	cursor := normalizeListCursor(rawCursor)

	payload, adminCtx, err := s.adminListRequests(ctx, ownerID, rawToken, limit, cursor)
	if err != nil {
		normalized := normalizeAdminError(err)
		extra := map[string]any{
			"result":       "fail",
			"code":         normalized.ReasonCode(),
			"errorCode":    normalized.Code,
			"message":      normalized.Message,
			"originalCode": asDomainError(err).Code,
		}
		if adminCtx != nil {
			extra["email"] = adminCtx.Email
			extra["tokenFromCache"] = adminCtx.FromCache
		}
		s.audit.Log(ctx, audit.Entry{Action: "adminListRequests", ActorID: ownerID, Extra: extra})
		return nil, normalized
	}

	extra := map[string]any{
		"result":         "success",
		"email":          adminCtx.Email,
		"tokenFromCache": adminCtx.FromCache,
		"itemCount":      len(payload["items"].([]map[string]any)),
		"limit":          limit,
		"cursor":         cursor,
	}
	if next, ok := payload["nextCursor"].(string); ok {
		extra["nextCursor"] = next
	}
	s.audit.Log(ctx, audit.Entry{Action: "adminListRequests", ActorID: ownerID, Extra: extra})
	return payload, nil
}

func (s *Service) adminListRequests(ctx context.Context, ownerID, rawToken string, limit, cursor int) (map[string]any, *AdminContext, error) {
	adminCtx, err := s.VerifyAdminContext(ctx, ownerID, rawToken, "adminListRequests")
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.store.ScanRows(ctx, store.TableRequests)
	if err != nil {
		return nil, &adminCtx, asDomainError(err)
	}

	drafts := make([]store.Row, 0, len(rows))
	for _, row := range rows {
		if strings.TrimSpace(row.Get("lineUserId").AsText()) != "" {
			drafts = append(drafts, row)
		}
	}
	sort.SliceStable(drafts, func(i, j int) bool {
		return sortTimestamp(drafts[i]) > sortTimestamp(drafts[j])
	})

	start := cursor
	if start > len(drafts) {
		start = len(drafts)
	}
	end := start + limit
	if end > len(drafts) {
		end = len(drafts)
	}

	items := make([]map[string]any, 0, end-start)
	for _, row := range drafts[start:end] {
		items = append(items, adminListItem(row))
	}

	payload := map[string]any{
		"items":      items,
		"nextCursor": nil,
	}
	if end < len(drafts) {
		payload["nextCursor"] = strconv.Itoa(end)
	}
	return payload, &adminCtx, nil
}

// AdminGetRequest fetches one draft by its request id.
func (s *Service) AdminGetRequest(ctx context.Context, ownerID, rawToken, requestID string) (map[string]any, error) {
	ownerID = clampText(ownerID, draft.MaxOwnerIDLen)
	requestID = clampText(requestID, 120)

	payload, adminCtx, err := s.adminGetRequest(ctx, ownerID, rawToken, requestID)
	if err != nil {
		normalized := normalizeAdminError(err)
		extra := map[string]any{
			"result":       "fail",
			"code":         normalized.ReasonCode(),
			"errorCode":    normalized.Code,
			"message":      normalized.Message,
			"originalCode": asDomainError(err).Code,
		}
		if adminCtx != nil {
			extra["email"] = adminCtx.Email
			extra["tokenFromCache"] = adminCtx.FromCache
		}
		s.audit.Log(ctx, audit.Entry{
			Action: "adminGetRequest", ActorID: ownerID, TargetRequestID: requestID, Extra: extra,
		})
		return nil, normalized
	}

	s.audit.Log(ctx, audit.Entry{
		Action: "adminGetRequest", ActorID: ownerID, TargetRequestID: requestID,
		Extra: map[string]any{
			"result":         "success",
			"email":          adminCtx.Email,
			"tokenFromCache": adminCtx.FromCache,
		},
	})
	return payload, nil
}

func (s *Service) adminGetRequest(ctx context.Context, ownerID, rawToken, requestID string) (map[string]any, *AdminContext, error) {
	if ownerID == "" || strings.TrimSpace(rawToken) == "" {
		return nil, nil, adminAuthError("MISSING_ADMIN_AUTH", nil)
	}
	if requestID == "" {
		return nil, nil, badRequest("MISSING_REQUEST_ID", "requestId is required.")
	}
	adminCtx, err := s.VerifyAdminContext(ctx, ownerID, rawToken, "adminGetRequest")
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.store.ScanRows(ctx, store.TableRequests)
	if err != nil {
		return nil, &adminCtx, asDomainError(err)
	}
	for _, row := range rows {
		if strings.TrimSpace(row.Get("requestId").AsText()) != requestID {
			continue
		}
		return map[string]any{"item": adminRowDetail(row)}, &adminCtx, nil
	}
	return nil, &adminCtx, notFoundError()
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// clampText limits by rune count so multibyte input is never cut mid-rune.
func clampText(s string, max int) string {
	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > max {
		return string(runes[:max])
	}
	return s
}

func normalizeListLimit(raw any) int {
	parsed, ok := toInt(raw)
	if !ok || parsed < 1 {
		return listDefaultLimit
	}
	if parsed > listMaxLimit {
		return listMaxLimit
	}
	return parsed
}

func normalizeListCursor(raw any) int {
	parsed, ok := toInt(raw)
	if !ok || parsed < 0 {
		return 0
	}
	return parsed
}

func toInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case nil:
		return 0, false
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return int(parsed), true
	default:
		return 0, false
	}
}
