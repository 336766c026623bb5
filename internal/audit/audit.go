// Package audit appends best-effort records to the audit_log table. A failed
// append never fails the calling operation: it is logged, counted on the
// dead-letter metric, and dropped.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"requestdesk/api/internal/obs"
	"requestdesk/api/internal/store"
)

const (
	maxMetaJSONLen  = 2000
	maxActorIDLen   = 120
	maxActionLen    = 80
	maxTargetIDLen  = 120
	maxChangeLen    = 80
	maxChanges      = 25
	maxExtraStrLen  = 350
	maxExtraListLen = 20
)

// RequestMeta carries transport facts captured at the HTTP edge into every
// audit record written while handling that request.
type RequestMeta struct {
	IP        string
	UserAgent string
	Origin    string
	Method    string
	Path      string
}

type ctxKey struct{}

func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, ctxKey{}, meta)
}

func MetaFromContext(ctx context.Context) RequestMeta {
	if meta, ok := ctx.Value(ctxKey{}).(RequestMeta); ok {
		return meta
	}
	return RequestMeta{}
}

// Entry is one auditable event. Zero-value fields are omitted from the meta
// payload.
type Entry struct {
	Action          string
	ActorID         string
	TargetRequestID string
	RequestID       string
	Section         int
	Changes         []string
	ErrorCode       string
	Extra           map[string]any
}

type Logger struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Logger {
	return &Logger{store: s, now: time.Now}
}

// NewAt pins the clock for tests.
func NewAt(s store.Store, now func() time.Time) *Logger {
	return &Logger{store: s, now: now}
}

// Log appends one record. Errors are swallowed.
func (l *Logger) Log(ctx context.Context, e Entry) {
	now := l.now().UTC()
	row := store.Row{
		"id":              store.Text(ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()),
		"ts":              store.Time(now),
		"actorLineUserId": store.Text(clamp(e.ActorID, maxActorIDLen)),
		"action":          store.Text(clamp(e.Action, maxActionLen)),
		"targetRequestId": store.Text(clamp(e.TargetRequestID, maxTargetIDLen)),
		"metaJson":        store.Text(buildMetaJSON(MetaFromContext(ctx), e)),
	}
	if err := l.store.AppendRow(ctx, store.TableAuditLog, row); err != nil {
		obs.AuditDeadLetterTotal.Inc()
		log.Printf("audit append failed action=%s: %v", e.Action, err)
	}
}

func buildMetaJSON(meta RequestMeta, e Entry) string {
	payload := map[string]any{}
	put := func(key, value string, max int) {
		if value != "" {
			payload[key] = clamp(value, max)
		}
	}
	put("ip", meta.IP, 120)
	put("ua", meta.UserAgent, 350)
	put("origin", meta.Origin, 200)
	put("path", meta.Path, 120)
	requestID := e.RequestID
	if requestID == "" {
		requestID = e.TargetRequestID
	}
	put("requestId", requestID, 120)
	put("errorCode", e.ErrorCode, 100)
	if e.Section > 0 {
		payload["section"] = e.Section
	}
	if changes := normalizeChanges(e.Changes); len(changes) > 0 {
		payload["changes"] = changes
	}
	if extra := normalizeExtra(e.Extra); len(extra) > 0 {
		payload["extra"] = extra
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return `{"truncated":true,"overflow":0,"preview":""}`
	}
	if len(raw) <= maxMetaJSONLen {
		return string(raw)
	}
	cut := maxMetaJSONLen - 120
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	overflow, _ := json.Marshal(map[string]any{
		"truncated": true,
		"overflow":  len(raw) - maxMetaJSONLen,
		"preview":   string(raw[:cut]),
	})
	return string(overflow)
}

func normalizeChanges(changes []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		c = clamp(strings.TrimSpace(c), maxChangeLen)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
		if len(out) == maxChanges {
			break
		}
	}
	return out
}

func normalizeExtra(extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(extra))
	for k, v := range extra {
		switch val := v.(type) {
		case string:
			out[k] = clamp(val, maxExtraStrLen)
		case []string:
			if len(val) > maxExtraListLen {
				val = val[:maxExtraListLen]
			}
			trimmed := make([]string, len(val))
			for i, s := range val {
				trimmed[i] = clamp(s, maxExtraStrLen)
			}
			out[k] = trimmed
		case []any:
			if len(val) > maxExtraListLen {
				val = val[:maxExtraListLen]
			}
			out[k] = val
		default:
			out[k] = v
		}
	}
	return out
}

// clamp limits by rune count so Thai meta values are never cut mid-rune.
func clamp(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
