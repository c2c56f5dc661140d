// Package sheet is the gateway to the tabular trade-intent source (§6.1):
// an HTTP JSON API standing in for a literal spreadsheet, since the sheet
// is an external collaborator rather than something this engine owns.
package sheet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/reconcile"
	"github.com/hashicorp/go-retryablehttp"
	json "github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Row mirrors one sheet row by 1-based column position (§6.1).
type Row struct {
	UID             string            `json:"uid"`
	Type            string            `json:"type"`              // col 1
	Symbol          string            `json:"symbol"`            // col 2
	PositionSizeK   decimal.Decimal   `json:"position_size_k"`   // col 3, x1000 USD
	Tactic          string            `json:"tactic"`            // col 4
	Thesis          string            `json:"thesis"`            // col 5
	UnderlyingEntry decimal.Decimal   `json:"underlying_entry"`  // col 6
	Stops           []decimal.Decimal `json:"stops"`             // col 7, <=2
	Targets         []decimal.Decimal `json:"targets"`           // col 8, <=3
	EntryPrice      decimal.Decimal   `json:"entry_price"`       // col 9
	PctSold         string            `json:"pct_sold"`          // col 10, "NN%"
	ExitPrice       decimal.Decimal   `json:"exit_price"`        // col 11
	DateEntered     string            `json:"date_entered"`      // col 12, MM/DD/YYYY HH:MM US/Eastern
	DateExited      string            `json:"date_exited"`       // col 13
	Notes           string            `json:"notes"`             // col 14
}

// RowPatch is a partial update applied to an existing row by UID, leaving
// untouched columns (including the analytics formulas in columns 15-20)
// exactly as they were: insert_row_preserving_formulas (§9).
type RowPatch struct {
	UID         string           `json:"uid"`
	EntryPrice  *decimal.Decimal `json:"entry_price,omitempty"`
	PctSold     *string          `json:"pct_sold,omitempty"`
	ExitPrice   *decimal.Decimal `json:"exit_price,omitempty"`
	DateEntered *string          `json:"date_entered,omitempty"`
	DateExited  *string          `json:"date_exited,omitempty"`
	Notes       *string          `json:"notes,omitempty"`
}

// Gateway is the HTTP client for the sheet's JSON API, retrying transient
// failures the way the rest of this engine retries broker/market-data
// calls.
type Gateway struct {
	client  *retryablehttp.Client
	baseURL string
}

// New constructs a Gateway pointed at baseURL, retrying transient failures
// up to maxRetries times.
func New(baseURL string, maxRetries int, log *logrus.Entry) *Gateway {
	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	client.Logger = &logrusAdapter{log: log}
	return &Gateway{client: client, baseURL: baseURL}
}

// ListIntents fetches every current row from the sheet.
func (g *Gateway) ListIntents(ctx context.Context) ([]Row, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/rows", nil)
	if err != nil {
		return nil, fmt.Errorf("sheet: building list request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sheet: list rows: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sheet: list rows returned %s", resp.Status)
	}

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("sheet: decoding rows: %w", err)
	}
	return rows, nil
}

// InsertRowPreservingFormulas patches an existing row by UID without
// disturbing the analytics formulas in columns 15-20 (§9).
func (g *Gateway) InsertRowPreservingFormulas(ctx context.Context, patch RowPatch) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("sheet: encoding patch: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPatch, g.baseURL+"/rows/"+patch.UID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sheet: building patch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sheet: patch row %s: %w", patch.UID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sheet: patch row %s returned %s: %s", patch.UID, resp.Status, detail)
	}
	return nil
}

// UpsertRow satisfies reconcile.SheetWriter: it translates a finalized
// trade's sheet row into a preserving-formulas patch.
func (g *Gateway) UpsertRow(ctx context.Context, row reconcile.SheetRow) error {
	patch := RowPatch{UID: row.TradeUID, Notes: &row.Notes}
	if row.Partial || !row.ExitPrice.IsZero() {
		pct := row.PctSold.StringFixed(0) + "%"
		patch.PctSold = &pct
		patch.ExitPrice = &row.ExitPrice
	}
	if !row.EntryPrice.IsZero() {
		patch.EntryPrice = &row.EntryPrice
	}
	return g.InsertRowPreservingFormulas(ctx, patch)
}

// CloseRow satisfies orders.SheetCloser: it annotates a row as closed
// out-of-band (e.g. an unreachable order refusal), independent of a
// normal execution-driven finalize.
func (g *Gateway) CloseRow(ctx context.Context, tradeUID, reason string) error {
	now := time.Now().Format("01/02/2006 15:04")
	return g.InsertRowPreservingFormulas(ctx, RowPatch{
		UID:        tradeUID,
		DateExited: &now,
		Notes:      &reason,
	})
}

// logrusAdapter satisfies retryablehttp.LeveledLogger against a logrus
// Entry, so retry attempts land in the same structured log stream as the
// rest of the engine.
type logrusAdapter struct {
	log *logrus.Entry
}

func (a *logrusAdapter) Error(msg string, keysAndValues ...interface{}) {
	a.log.WithFields(kvFields(keysAndValues)).Error(msg)
}
func (a *logrusAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.log.WithFields(kvFields(keysAndValues)).Info(msg)
}
func (a *logrusAdapter) Debug(msg string, keysAndValues ...interface{}) {
	a.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}
func (a *logrusAdapter) Warn(msg string, keysAndValues ...interface{}) {
	a.log.WithFields(kvFields(keysAndValues)).Warn(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}
