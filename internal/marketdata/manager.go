// Package marketdata maintains one active broker subscription per
// referenced contract_key, applies tick throttling, and raises a
// pricing-failure message when a key goes stale (§4.3).
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/broker"
	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/eddiefleurent/tradeengine/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// PriceValidityWindow is the maximum age for bid/ask to be usable (§4.3).
	PriceValidityWindow = 30 * time.Second
	// StaleAfter is how long with no tick before a pricing-failure message
	// (code 99992) is raised for the key.
	StaleAfter = 30 * time.Minute
	// rawThrottle is the minimum interval between persisted raw tick writes
	// per key.
	rawThrottle = 1 * time.Second
	// debouncedThrottle is the interval at which a debounced write happens
	// regardless of intervening raw throttling.
	debouncedThrottle = 10 * time.Second
)

type subscriptionState struct {
	reqID        int
	cancel       context.CancelFunc
	lastRawWrite time.Time
	lastDebounce time.Time
	lastTickAt   time.Time
}

// Manager owns the set of active market-data subscriptions and applies
// the throttle/debounce/staleness rules of §4.3.
type Manager struct {
	br  broker.Broker
	st  *store.Store
	log *logrus.Entry

	mu   sync.Mutex
	subs map[string]*subscriptionState // contract_key -> state
}

// New constructs a Manager.
func New(br broker.Broker, st *store.Store, log *logrus.Entry) *Manager {
	return &Manager{br: br, st: st, log: log, subs: make(map[string]*subscriptionState)}
}

// Sync ensures exactly one active subscription exists for every key in
// referenced, cancelling subscriptions for keys no longer referenced
// (except the last remaining, per §4.3).
func (m *Manager) Sync(ctx context.Context, referenced []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(referenced))
	for _, k := range referenced {
		want[k] = true
	}

	for key, sub := range m.subs {
		if want[key] {
			continue
		}
		if len(m.subs) <= 1 {
			continue // never cancel the last remaining subscription
		}
		sub.cancel()
		if err := m.br.CancelMarketDataCtx(ctx, sub.reqID); err != nil {
			m.log.WithError(err).WithField("contract_key", key).Warn("cancel_market_data failed")
		}
		delete(m.subs, key)

		status := models.SubInactive
		if prior, ok := m.st.GetSubscription(key); ok {
			if newStatus, err := models.TransitionSubscription(prior.Status, models.SubInactive, models.CondSubCancelled); err != nil {
				m.log.WithError(err).WithField("contract_key", key).Warn("invalid subscription transition")
			} else {
				status = newStatus
			}
		}
		m.st.PutSubscription(models.MarketDataSubscription{ContractKey: key, Status: status})
	}

	for key := range want {
		if _, ok := m.subs[key]; ok {
			continue
		}
		if err := m.subscribeLocked(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) subscribeLocked(ctx context.Context, key string) error {
	c, ok := m.st.GetContract(key)
	if !ok {
		return fmt.Errorf("marketdata: no registered contract for key %q", key)
	}

	reqID, err := m.br.NextIDCtx(ctx)
	if err != nil {
		return fmt.Errorf("marketdata: allocating request id for %q: %w", key, err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := m.br.ReqMarketDataCtx(subCtx, reqID, c)
	if err != nil {
		cancel()
		return fmt.Errorf("marketdata: req_market_data for %q: %w", key, err)
	}

	state := &subscriptionState{reqID: reqID, cancel: cancel}
	m.subs[key] = state

	prior := models.SubInactive
	if sub, ok := m.st.GetSubscription(key); ok {
		prior = sub.Status
	}
	status, err := models.TransitionSubscription(prior, models.SubRequested, models.CondSubRequested)
	if err != nil {
		m.log.WithError(err).WithField("contract_key", key).Warn("invalid subscription transition")
		status = models.SubRequested
	}
	m.st.PutSubscription(models.MarketDataSubscription{
		ContractKey:     key,
		BrokerRequestID: fmt.Sprintf("%d", reqID),
		DateRequested:   time.Now(),
		Status:          status,
	})

	go m.consume(subCtx, key, state, ch)
	return nil
}

func (m *Manager) consume(ctx context.Context, key string, state *subscriptionState, ch <-chan models.Price) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ch:
			if !ok {
				return
			}
			m.handleTick(key, state, tick)
		}
	}
}

func (m *Manager) handleTick(key string, state *subscriptionState, tick models.Price) {
	now := time.Now()
	tick.Mid = tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2)).Round(2)
	tick.MidAt = now

	m.mu.Lock()
	firstTick := state.lastTickAt.IsZero()
	state.lastTickAt = now
	sinceRaw := now.Sub(state.lastRawWrite)
	sinceDebounce := now.Sub(state.lastDebounce)
	shouldWrite := sinceRaw >= rawThrottle || sinceDebounce >= debouncedThrottle
	if shouldWrite {
		state.lastRawWrite = now
		state.lastDebounce = now
	}
	m.mu.Unlock()

	if firstTick {
		m.activateSubscription(key)
	}
	if shouldWrite {
		m.st.PutPrice(tick)
	}
}

// activateSubscription transitions a subscription from requested to
// active on its first tick (§4.8 subscription state machine).
func (m *Manager) activateSubscription(key string) {
	sub, ok := m.st.GetSubscription(key)
	if !ok {
		return
	}
	newStatus, err := models.TransitionSubscription(sub.Status, models.SubActive, models.CondSubActivated)
	if err != nil {
		m.log.WithError(err).WithField("contract_key", key).Warn("invalid subscription transition")
		return
	}
	sub.Status = newStatus
	m.st.PutSubscription(sub)
}

// Valid reports whether the stored price for key has both bid and ask
// younger than PriceValidityWindow.
func (m *Manager) Valid(key string, now time.Time) (models.Price, bool) {
	p, ok := m.st.GetPrice(key)
	if !ok {
		return models.Price{}, false
	}
	return p, p.Fresh(now, PriceValidityWindow)
}

// StaleKeys returns subscribed keys whose last tick is at least StaleAfter
// old, candidates for a pricing-failure notification (code 99992). A key
// that has not received any tick since it was subscribed is not returned.
func (m *Manager) StaleKeys(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for key, state := range m.subs {
		if state.lastTickAt.IsZero() {
			continue
		}
		if now.Sub(state.lastTickAt) >= StaleAfter {
			stale = append(stale, key)
		}
	}
	return stale
}

// MarkStale transitions every key returned by StaleKeys back to inactive
// and drops its local subscription state, so the next Sync re-subscribes
// it from scratch (§4.8 subscription state machine, condition "stale").
func (m *Manager) MarkStale(keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		state, ok := m.subs[key]
		if !ok {
			continue
		}
		state.cancel()
		delete(m.subs, key)

		sub, ok := m.st.GetSubscription(key)
		if !ok {
			continue
		}
		newStatus, err := models.TransitionSubscription(sub.Status, models.SubInactive, models.CondSubStale)
		if err != nil {
			m.log.WithError(err).WithField("contract_key", key).Warn("invalid subscription transition")
			continue
		}
		sub.Status = newStatus
		m.st.PutSubscription(sub)
	}
}
