// Package notify raises structured operator notifications over a webhook
// (§6.4): unresolvable contract, pricing timeout, cannot-sell-position,
// peg timeout, post-resolution size change, orphan flatten completion.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Code identifies a notification kind by its stable numeric code (§6.4).
type Code string

// Notification codes, 90000s range.
const (
	CodePegTimeout     Code = "99991" // STK PEG MID chase exhausted its timeout
	CodePricing        Code = "99992" // subscription stale beyond the staleness window
	CodeEntryOutOfBand Code = "99993" // entry price outside the band; also sent for an unreachable closing order
	CodeSizeMismatch   Code = "99994" // post-resolution size change or orphan flatten
	CodeTacticParse    Code = "99995" // tactic text or contract resolution failure
)

// Sender delivers one notification.
type Sender interface {
	Notify(ctx context.Context, code, detail string) error
}

// WebhookSender posts notifications to a configured webhook URL via resty,
// formatting elapsed-time fields with go-humanize.
type WebhookSender struct {
	client *resty.Client
	url    string
	log    *logrus.Entry
}

// New constructs a WebhookSender. timeout bounds each POST.
func New(url string, timeout time.Duration, log *logrus.Entry) *WebhookSender {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &WebhookSender{client: client, url: url, log: log}
}

type payload struct {
	Code      string `json:"code"`
	Detail    string `json:"detail"`
	Since     string `json:"since,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Notify posts a notification with the given code and detail string.
func (w *WebhookSender) Notify(ctx context.Context, code, detail string) error {
	now := time.Now()
	body := payload{
		Code:      code,
		Detail:    detail,
		Timestamp: now.Format(time.RFC3339),
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("notify: webhook post failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: webhook returned %s", resp.Status())
	}

	w.log.WithFields(logrus.Fields{"code": code, "detail": detail}).Info("operator notification sent")
	return nil
}

// NotifySince is a convenience wrapper that humanizes an elapsed duration
// into the detail string, used for staleness/timeout notifications where
// "how long has this been broken" is the operationally useful fact.
func (w *WebhookSender) NotifySince(ctx context.Context, code Code, subject string, since time.Time) error {
	detail := fmt.Sprintf("%s: stale for %s", subject, humanize.Time(since))
	return w.Notify(ctx, string(code), detail)
}

// RecordingSender is an in-memory Sender for tests: it never makes a
// network call, just records every call for assertions.
type RecordingSender struct {
	Sent []struct {
		Code   string
		Detail string
	}
}

// Notify records the call and always succeeds.
func (r *RecordingSender) Notify(_ context.Context, code, detail string) error {
	r.Sent = append(r.Sent, struct {
		Code   string
		Detail string
	}{Code: code, Detail: detail})
	return nil
}
