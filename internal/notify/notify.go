// Package notify pushes a LINE message to the draft owner when their
// completion progress crosses a new milestone.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"requestdesk/api/internal/audit"
	"requestdesk/api/internal/obs"
)

const maxResponseBodyAudit = 500

type Config struct {
	Enabled     bool
	DryRun      bool
	Endpoint    string
	AccessToken string
	// FormBaseURL, when set, is appended to every message as a deep link
	// back into the form.
	FormBaseURL string
}

type Dispatcher struct {
	cfg    Config
	audit  *audit.Logger
	client *http.Client
}

func New(cfg Config, auditLog *audit.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		audit:  auditLog,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewWithClient overrides the HTTP client, for tests.
func NewWithClient(cfg Config, auditLog *audit.Logger, client *http.Client) *Dispatcher {
	d := New(cfg, auditLog)
	d.client = client
	return d
}

// MaybeNotify pushes a milestone message when progress moved past the last
// notified value. It returns true when the caller should persist progress as
// the new lastNotifiedProgress; skips and failures return false so the next
// save retries. Dry-run counts as delivered.
func (d *Dispatcher) MaybeNotify(ctx context.Context, ownerID, requestID string, progress, lastNotified int) bool {
	if ownerID == "" {
		return false
	}
	extra := map[string]any{
		"progressPercent":      progress,
		"lastNotifiedProgress": lastNotified,
	}

	if !d.cfg.Enabled {
		obs.PushTotal.WithLabelValues("skipped").Inc()
		d.audit.Log(ctx, audit.Entry{
			Action: "pushSkippedDisabled", ActorID: ownerID, TargetRequestID: requestID, Extra: extra,
		})
		return false
	}
	if progress <= lastNotified {
		obs.PushTotal.WithLabelValues("skipped").Inc()
		d.audit.Log(ctx, audit.Entry{
			Action: "pushSkippedNoIncrease", ActorID: ownerID, TargetRequestID: requestID, Extra: extra,
		})
		return false
	}

	message := d.messageFor(progress)
	extra["message"] = message

	if d.cfg.DryRun {
		obs.PushTotal.WithLabelValues("dry_run").Inc()
		d.audit.Log(ctx, audit.Entry{
			Action: "pushDryRun", ActorID: ownerID, TargetRequestID: requestID, Extra: extra,
		})
		return true
	}
	if d.cfg.AccessToken == "" {
		obs.PushTotal.WithLabelValues("failed").Inc()
		extra["reason"] = "push access token is not configured"
		d.audit.Log(ctx, audit.Entry{
			Action: "pushFailed", ActorID: ownerID, TargetRequestID: requestID, Extra: extra,
		})
		return false
	}

	statusCode, body, err := d.push(ctx, ownerID, message)
	if err != nil || statusCode < 200 || statusCode > 299 {
		obs.PushTotal.WithLabelValues("failed").Inc()
		extra["statusCode"] = statusCode
		if err != nil {
			extra["reason"] = err.Error()
		} else {
			extra["responseBody"] = truncateBody(body)
		}
		d.audit.Log(ctx, audit.Entry{
			Action: "pushFailed", ActorID: ownerID, TargetRequestID: requestID, Extra: extra,
		})
		return false
	}

	obs.PushTotal.WithLabelValues("sent").Inc()
	extra["statusCode"] = statusCode
	d.audit.Log(ctx, audit.Entry{
		Action: "pushSent", ActorID: ownerID, TargetRequestID: requestID, Extra: extra,
	})
	return true
}

func (d *Dispatcher) messageFor(progress int) string {
	var base string
	switch progress {
	case 25:
		base = "บันทึกข้อมูลลูกค้าแล้ว ✅ (1/4) ต่อไป: เลือกประเภทเอกสาร"
	case 50:
		base = "เลือกประเภทเอกสารแล้ว ✅ (2/4) ต่อไป: รายละเอียดการชำระเงิน"
	case 75:
		base = "บันทึกรายละเอียดการชำระแล้ว ✅ (3/4) ต่อไป: ช่องทางติดต่อ"
	case 100:
		base = "ข้อมูลครบแล้ว ✅ ทีมงานจะติดต่อกลับ ขอบคุณค่ะ"
	default:
		base = "อัปเดตความคืบหน้าแล้ว ✅"
	}
	if d.cfg.FormBaseURL != "" {
		return base + "\nเปิดแบบฟอร์ม: " + d.cfg.FormBaseURL
	}
	return base
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []pushMessage `json:"messages"`
}

type pushMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (d *Dispatcher) push(ctx context.Context, to, text string) (int, string, error) {
	payload, err := json.Marshal(pushRequest{
		To:       to,
		Messages: []pushMessage{{Type: "text", Text: text}},
	})
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.cfg.AccessToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, string(body), nil
}

func truncateBody(body string) string {
	runes := []rune(body)
	if len(runes) <= maxResponseBodyAudit {
		return body
	}
	return string(runes[:maxResponseBodyAudit]) + "...(truncated)"
}
