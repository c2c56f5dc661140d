package sheet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eddiefleurent/tradeengine/internal/reconcile"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestGateway_ListIntents_DecodesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rows", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"uid":"abc","type":"STRANGLE","symbol":"SPY"}]`))
	}))
	defer srv.Close()

	gw := New(srv.URL, 1, logrus.NewEntry(logrus.New()))
	rows, err := gw.ListIntents(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "abc", rows[0].UID)
	require.Equal(t, "SPY", rows[0].Symbol)
}

func TestGateway_InsertRowPreservingFormulas_PatchesByUID(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody RowPatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := New(srv.URL, 1, logrus.NewEntry(logrus.New()))
	notes := "Target reached"
	err := gw.InsertRowPreservingFormulas(context.Background(), RowPatch{UID: "trade-1", Notes: &notes})
	require.NoError(t, err)
	require.Equal(t, "/rows/trade-1", gotPath)
	require.Equal(t, http.MethodPatch, gotMethod)
	require.Equal(t, "Target reached", *gotBody.Notes)
}

func TestGateway_UpsertRow_SetsPctSoldAndExitPrice(t *testing.T) {
	var gotBody RowPatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := New(srv.URL, 1, logrus.NewEntry(logrus.New()))
	err := gw.UpsertRow(context.Background(), reconcile.SheetRow{
		TradeUID:  "trade-2",
		Symbol:    "AAPL",
		ExitPrice: decimal.NewFromFloat(1.23),
		PctSold:   decimal.NewFromInt(50),
		Partial:   true,
		Notes:     "Target reached",
	})
	require.NoError(t, err)
	require.Equal(t, "50%", *gotBody.PctSold)
	require.True(t, gotBody.ExitPrice.Equal(decimal.NewFromFloat(1.23)))
}

func TestGateway_CloseRow_SetsDateExitedAndNotes(t *testing.T) {
	var gotBody RowPatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := New(srv.URL, 1, logrus.NewEntry(logrus.New()))
	err := gw.CloseRow(context.Background(), "trade-3", "cannot sell: no matching broker position")
	require.NoError(t, err)
	require.Equal(t, "cannot sell: no matching broker position", *gotBody.Notes)
	require.NotEmpty(t, *gotBody.DateExited)
}

func TestGateway_InsertRowPreservingFormulas_ReturnsErrorOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw := New(srv.URL, 0, logrus.NewEntry(logrus.New()))
	err := gw.InsertRowPreservingFormulas(context.Background(), RowPatch{UID: "trade-4"})
	require.Error(t, err)
}
