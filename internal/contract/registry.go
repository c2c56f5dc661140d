// Package contract resolves tactic-parsed contracts against the broker's
// symbology and tracks per-leg broker contract ids (§4.2).
package contract

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/tradeengine/internal/broker"
	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/eddiefleurent/tradeengine/internal/store"
	"github.com/sirupsen/logrus"
)

// MaxResolveRetries caps the number of request-contract-id attempts per
// leg before the trade is flagged unresolvable (§4.2).
const MaxResolveRetries = 3

// ErrUnresolvable is wrapped by Resolve when a leg exhausts its retries.
var ErrUnresolvable = fmt.Errorf("contract: unresolvable after %d attempts", MaxResolveRetries)

// Notifier raises an operator notification (§6.4).
type Notifier interface {
	Notify(ctx context.Context, code, detail string) error
}

// Registry canonicalizes contracts via contract_key, registers BAG legs
// before their combo, and back-fills broker_contract_id from the broker's
// req_contract_details callback.
type Registry struct {
	br       broker.Broker
	st       *store.Store
	log      *logrus.Entry
	notifier Notifier
	tries    map[string]int // contract_key -> attempts so far, this process lifetime
}

// New constructs a Registry. notifier may be nil.
func New(br broker.Broker, st *store.Store, log *logrus.Entry, notifier Notifier) *Registry {
	return &Registry{br: br, st: st, log: log, notifier: notifier, tries: make(map[string]int)}
}

// Resolve canonicalizes c and ensures every BAG leg and the contract itself
// (combo or single instrument) carry a broker_contract_id, persisting the resolved
// shape in the Store keyed by contract_key. Legs are registered before the
// combo, per §4.2.
func (r *Registry) Resolve(ctx context.Context, c models.Contract) (models.Contract, error) {
	if c.SecType == models.SecBag {
		for i, leg := range c.Legs {
			resolved, err := r.resolveLeg(ctx, c.Symbol, leg)
			if err != nil {
				return models.Contract{}, err
			}
			c.Legs[i] = resolved
		}
	}

	if cached, ok := r.st.GetContract(c.Key()); ok && cached.BrokerContractID != "" {
		return cached, nil
	}

	resolved, err := r.resolveOne(ctx, c)
	if err != nil {
		return models.Contract{}, err
	}
	r.st.PutContract(resolved)
	return resolved, nil
}

func (r *Registry) resolveLeg(ctx context.Context, symbol string, leg models.Leg) (models.Leg, error) {
	key := leg.ContractKey(symbol)
	if leg.BrokerContractID != "" {
		return leg, nil
	}

	legAsContract := models.Contract{
		SecType: models.SecOpt,
		Symbol:  symbol,
		Strike:  leg.Strike,
		Right:   leg.Right,
		Expiry:  leg.Expiry,
	}
	resolved, err := r.resolveOne(ctx, legAsContract)
	if err != nil {
		return models.Leg{}, fmt.Errorf("leg %s: %w", key, err)
	}
	leg.BrokerContractID = resolved.BrokerContractID
	return leg, nil
}

func (r *Registry) resolveOne(ctx context.Context, c models.Contract) (models.Contract, error) {
	key := c.Key()
	if r.tries[key] >= MaxResolveRetries {
		return models.Contract{}, fmt.Errorf("%w: %s", ErrUnresolvable, key)
	}

	reqID, err := r.br.NextIDCtx(ctx)
	if err != nil {
		return models.Contract{}, fmt.Errorf("allocating request id for %s: %w", key, err)
	}

	resolved, err := r.br.ReqContractDetailsCtx(ctx, reqID, c)
	if err != nil {
		r.tries[key]++
		if r.tries[key] >= MaxResolveRetries {
			r.log.WithField("contract_key", key).Error("contract unresolvable after max retries")
			if r.notifier != nil {
				detail := fmt.Sprintf("unresolvable contract %s after %d attempts: %v", key, MaxResolveRetries, err)
				if notifyErr := r.notifier.Notify(ctx, "99995", detail); notifyErr != nil {
					r.log.WithError(notifyErr).Warn("failed to notify operator of unresolvable contract")
				}
			}
			return models.Contract{}, fmt.Errorf("%w: %s: %v", ErrUnresolvable, key, err)
		}
		return models.Contract{}, fmt.Errorf("resolving %s (attempt %d/%d): %w", key, r.tries[key], MaxResolveRetries, err)
	}

	delete(r.tries, key)
	return resolved, nil
}
