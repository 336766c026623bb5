// Package idtoken verifies admin identity tokens against an external
// tokeninfo endpoint and caches the normalized claims.
package idtoken

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"requestdesk/api/internal/cache"
)

const (
	// ModeTokenInfo is the only supported verification mode.
	ModeTokenInfo = "tokeninfo"

	// Cached claims are ignored when they expire within this guard, so a
	// token is never accepted from cache moments before it goes stale.
	expiryGuard = 10 * time.Second

	maxCacheTTL = 300 * time.Second

	maxBodyBytes = 1 << 20
)

// Error carries the verification failure code and the HTTP status it maps
// to. Auth-class failures use 403 and are normalized to NOT_AUTHORIZED at
// the boundary with the code kept as the internal reason.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func authErr(code, message string) *Error {
	return &Error{Code: code, Status: http.StatusForbidden, Message: message}
}

// Claims are the normalized identity facts extracted from a verified token.
type Claims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	Subject string `json:"sub"`
	Expiry  int64  `json:"exp"`

	// TokenHash and TokenRef fingerprint the raw token for audit records
	// without ever storing the token itself.
	TokenHash string `json:"-"`
	TokenRef  string `json:"-"`
	FromCache bool   `json:"-"`
}

type Config struct {
	Mode     string
	Endpoint string
	CacheTTL time.Duration
	Timeout  time.Duration
}

type Verifier struct {
	cfg    Config
	cache  cache.Cache
	client *http.Client
	now    func() time.Time
}

func New(cfg Config, c cache.Cache) *Verifier {
	if cfg.CacheTTL <= 0 || cfg.CacheTTL > maxCacheTTL {
		cfg.CacheTTL = maxCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Verifier{
		cfg:    cfg,
		cache:  c,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

// NewAt pins the clock for tests.
func NewAt(cfg Config, c cache.Cache, now func() time.Time) *Verifier {
	v := New(cfg, c)
	v.now = now
	return v
}

func tokenFingerprint(raw string) (hash, ref string) {
	sum := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(sum[:])[:40]
	ref = raw
	if len(ref) > 6 {
		ref = ref[len(ref)-6:]
	}
	return hash, ref
}

// Verify checks the raw token and returns its claims. Successful claims are
// cached until shortly before the token expires; failures are never cached.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (Claims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Claims{}, authErr("GOOGLE_TOKEN_INVALID", "empty token")
	}
	if v.cfg.Mode != ModeTokenInfo {
		return Claims{}, &Error{
			Code:    "UNSUPPORTED_VERIFY_MODE",
			Status:  http.StatusInternalServerError,
			Message: fmt.Sprintf("verify mode %q is not supported", v.cfg.Mode),
		}
	}

	hash, ref := tokenFingerprint(rawToken)
	cacheKey := "gtok_" + hash

	var cached Claims
	if found, err := v.cache.GetJSON(ctx, cacheKey, &cached); err == nil && found {
		if time.Unix(cached.Expiry, 0).After(v.now().Add(expiryGuard)) {
			cached.TokenHash = hash
			cached.TokenRef = ref
			cached.FromCache = true
			return cached, nil
		}
	}

	claims, err := v.fetch(ctx, rawToken)
	if err != nil {
		return Claims{}, err
	}
	claims.TokenHash = hash
	claims.TokenRef = ref

	ttl := time.Until(time.Unix(claims.Expiry, 0))
	if ttl > v.cfg.CacheTTL {
		ttl = v.cfg.CacheTTL
	}
	if ttl > 0 {
		_ = v.cache.SetJSON(ctx, cacheKey, claims, ttl)
	}
	return claims, nil
}

type tokenInfoResponse struct {
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Subject       string `json:"sub"`
	Expiry        string `json:"exp"`
}

func (v *Verifier) fetch(ctx context.Context, rawToken string) (Claims, error) {
	endpoint := v.cfg.Endpoint + "?id_token=" + url.QueryEscape(rawToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Claims{}, &Error{Code: "GOOGLE_VERIFY_UNAVAILABLE", Status: http.StatusBadGateway, Message: err.Error()}
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return Claims{}, &Error{
			Code:    "GOOGLE_VERIFY_UNAVAILABLE",
			Status:  http.StatusBadGateway,
			Message: "tokeninfo endpoint unreachable",
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Claims{}, &Error{
			Code:    "GOOGLE_VERIFY_UNAVAILABLE",
			Status:  http.StatusBadGateway,
			Message: "reading tokeninfo response failed",
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Claims{}, authErr("GOOGLE_TOKEN_INVALID", "token rejected by verifier")
	}

	var info tokenInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return Claims{}, &Error{
			Code:    "GOOGLE_VERIFY_INVALID_RESPONSE",
			Status:  http.StatusBadGateway,
			Message: "tokeninfo returned malformed JSON",
		}
	}

	if strings.TrimSpace(info.Email) == "" {
		return Claims{}, authErr("GOOGLE_EMAIL_MISSING", "token carries no email claim")
	}
	if info.EmailVerified != "true" {
		return Claims{}, authErr("GOOGLE_EMAIL_NOT_VERIFIED", "email is not verified")
	}
	exp, err := strconv.ParseInt(strings.TrimSpace(info.Expiry), 10, 64)
	if err != nil || !time.Unix(exp, 0).After(v.now()) {
		return Claims{}, authErr("GOOGLE_TOKEN_EXPIRED", "token is expired")
	}

	return Claims{
		Email:   strings.TrimSpace(info.Email),
		Name:    info.Name,
		Picture: info.Picture,
		Subject: info.Subject,
		Expiry:  exp,
	}, nil
}

// EnforceEmailPolicy applies the admin email policy. It fails closed: with
// neither an allowed domain nor an allowed email list configured, every
// email is rejected with a configuration error.
func EnforceEmailPolicy(email, allowedDomain string, allowedEmails []string) error {
	allowedDomain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(allowedDomain)), "@")
	if allowedDomain == "" && len(allowedEmails) == 0 {
		return &Error{
			Code:    "GOOGLE_POLICY_NOT_CONFIGURED",
			Status:  http.StatusInternalServerError,
			Message: "no allowed domain or email list configured",
		}
	}

	normalized := strings.ToLower(strings.TrimSpace(email))
	if allowedDomain != "" && strings.HasSuffix(normalized, "@"+allowedDomain) {
		return nil
	}
	for _, allowed := range allowedEmails {
		if normalized == strings.ToLower(strings.TrimSpace(allowed)) {
			return nil
		}
	}
	return authErr("GOOGLE_EMAIL_NOT_ALLOWED", "email is not on the allow list")
}
