package contract

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/eddiefleurent/tradeengine/internal/broker"
	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/eddiefleurent/tradeengine/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, br broker.Broker) *Registry {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	return New(br, st, logrus.NewEntry(logrus.New()), nil)
}

func TestRegistry_Resolve_Stock(t *testing.T) {
	br := broker.NewPaperBroker()
	reg := newTestRegistry(t, br)

	c := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}
	resolved, err := reg.Resolve(context.Background(), c)
	require.NoError(t, err)
	require.NotEmpty(t, resolved.BrokerContractID)
}

func TestRegistry_Resolve_BagRegistersLegsBeforeCombo(t *testing.T) {
	br := broker.NewPaperBroker()
	reg := newTestRegistry(t, br)

	c := models.Contract{
		SecType: models.SecBag,
		Symbol:  "SPY",
		Legs: []models.Leg{
			{Sequence: 0, Action: models.ActionBuy, Ratio: 1, Right: models.RightPut, Strike: 400},
			{Sequence: 1, Action: models.ActionSell, Ratio: 1, Right: models.RightCall, Strike: 420},
		},
	}
	resolved, err := reg.Resolve(context.Background(), c)
	require.NoError(t, err)
	for _, leg := range resolved.Legs {
		require.NotEmpty(t, leg.BrokerContractID)
	}
	require.NotEmpty(t, resolved.BrokerContractID)
}

type failingBroker struct {
	*broker.PaperBroker
}

func (f *failingBroker) ReqContractDetailsCtx(_ context.Context, _ int, _ models.Contract) (models.Contract, error) {
	return models.Contract{}, errContractDetailsUnavailable
}

var errContractDetailsUnavailable = fmt.Errorf("contract details unavailable")

func TestRegistry_Resolve_CapsRetriesAtThree(t *testing.T) {
	br := &failingBroker{PaperBroker: broker.NewPaperBroker()}
	reg := newTestRegistry(t, br)

	c := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}
	for i := 0; i < MaxResolveRetries-1; i++ {
		_, err := reg.Resolve(context.Background(), c)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrUnresolvable)
	}
	_, err := reg.Resolve(context.Background(), c)
	require.ErrorIs(t, err, ErrUnresolvable)
}

type recordingNotifier struct {
	codes []string
}

func (r *recordingNotifier) Notify(_ context.Context, code, _ string) error {
	r.codes = append(r.codes, code)
	return nil
}

func TestRegistry_Resolve_NotifiesOnUnresolvable(t *testing.T) {
	br := &failingBroker{PaperBroker: broker.NewPaperBroker()}
	st, err := store.New(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	reg := New(br, st, logrus.NewEntry(logrus.New()), notifier)

	c := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}
	for i := 0; i < MaxResolveRetries; i++ {
		_, _ = reg.Resolve(context.Background(), c)
	}
	require.Contains(t, notifier.codes, "99995")
}
