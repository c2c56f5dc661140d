package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := New(path)
	require.NoError(t, err)
	return s
}

func TestStore_TradeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	trade := models.Trade{UID: "t1", Symbol: "AAPL"}
	s.PutTrade(trade)

	got, err := s.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Symbol)

	_, err = s.GetTrade("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveAndLoad_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := New(path)
	require.NoError(t, err)

	s.PutTrade(models.Trade{UID: "t1", Symbol: "AAPL"})
	s.PutContract(models.Contract{SecType: models.SecStock, Symbol: "AAPL"})
	require.NoError(t, s.Save())

	reopened, err := New(path)
	require.NoError(t, err)

	got, err := reopened.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Symbol)

	_, ok := reopened.GetContract("AAPL")
	assert.True(t, ok)
}

func TestStore_PutExecution_SupersedeRule(t *testing.T) {
	s := newTestStore(t)
	older := models.Execution{BaseExecID: "base", UTCTime: time.Unix(100, 0), Shares: 5}
	newer := models.Execution{BaseExecID: "base", UTCTime: time.Unix(200, 0), Shares: 7}

	s.PutExecution(newer)
	s.PutExecution(older) // should not overwrite: older doesn't supersede newer

	execs := s.ListExecutionsForContract("")
	require.Len(t, execs, 1)
	assert.Equal(t, 7, execs[0].Shares)
}

func TestStore_MessageRecurKeyedByTradeAndCode(t *testing.T) {
	s := newTestStore(t)
	msg := models.TradeMessage{TradeUID: "t1", Code: models.CodePegTimeout, Status: models.MessageOpen, Count: 1}
	s.PutMessage(msg)

	got, ok := s.GetMessage("t1", models.CodePegTimeout)
	require.True(t, ok)
	assert.Equal(t, 1, got.Count)

	got.Recur(time.Now())
	s.PutMessage(got)

	got2, ok := s.GetMessage("t1", models.CodePegTimeout)
	require.True(t, ok)
	assert.Equal(t, 2, got2.Count)

	open := s.ListOpenMessages()
	require.Len(t, open, 1)
}

func TestStore_SubscriptionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sub := models.MarketDataSubscription{ContractKey: "AAPL", Status: models.SubActive}
	s.PutSubscription(sub)

	got, ok := s.GetSubscription("AAPL")
	require.True(t, ok)
	assert.Equal(t, models.SubActive, got.Status)
	assert.Len(t, s.ListSubscriptions(), 1)
}
