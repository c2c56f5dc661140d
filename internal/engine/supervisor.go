// Package engine runs the Supervisor Loop (§4.8): one fixed-interval cycle,
// phases in strict order, tolerating a bounded run of consecutive failures
// before raising an operator notification and stopping.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/broker"
	"github.com/eddiefleurent/tradeengine/internal/config"
	"github.com/eddiefleurent/tradeengine/internal/contract"
	"github.com/eddiefleurent/tradeengine/internal/evaluator"
	"github.com/eddiefleurent/tradeengine/internal/marketdata"
	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/eddiefleurent/tradeengine/internal/orders"
	"github.com/eddiefleurent/tradeengine/internal/reconcile"
	"github.com/eddiefleurent/tradeengine/internal/sheet"
	"github.com/eddiefleurent/tradeengine/internal/store"
	"github.com/eddiefleurent/tradeengine/internal/tactic"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Notifier raises an operator notification (§6.4).
type Notifier interface {
	Notify(ctx context.Context, code, detail string) error
}

// SheetSource is the subset of the sheet gateway the ingest phase reads
// from.
type SheetSource interface {
	ListIntents(ctx context.Context) ([]sheet.Row, error)
}

// Supervisor runs the fixed-interval trading cycle, phase by phase, over
// the components built by cmd/engine's wiring (§4.8).
type Supervisor struct {
	cfg      *config.Config
	br       broker.Broker
	st       *store.Store
	reg      *contract.Registry
	md       *marketdata.Manager
	eval     *evaluator.Evaluator
	orderMgr *orders.Manager
	recon    *reconcile.Reconciler
	sheetSrc SheetSource
	notifier Notifier
	log      *logrus.Entry

	now              func() time.Time
	consecutiveFails int
	pendingExecs     []execPair
}

// New constructs a Supervisor from its already-wired components.
func New(
	cfg *config.Config,
	br broker.Broker,
	st *store.Store,
	reg *contract.Registry,
	md *marketdata.Manager,
	eval *evaluator.Evaluator,
	orderMgr *orders.Manager,
	recon *reconcile.Reconciler,
	sheetSrc SheetSource,
	notifier Notifier,
	log *logrus.Entry,
) *Supervisor {
	return &Supervisor{
		cfg: cfg, br: br, st: st, reg: reg, md: md, eval: eval,
		orderMgr: orderMgr, recon: recon, sheetSrc: sheetSrc, notifier: notifier,
		log: log, now: time.Now,
	}
}

// Run drives the ticker loop until ctx is cancelled, the market-hours
// window (plus after-close tail) closes for the day, or the consecutive
// failure count exceeds the configured tolerance.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor starting")

	ticker := time.NewTicker(s.cfg.Supervisor.Interval)
	defer ticker.Stop()

	s.runCycleGuarded(ctx)

	inWindow := false
	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopping: context cancelled")
			return nil
		case <-ticker.C:
			open, err := s.cfg.IsWithinTradingHours(s.now())
			if err != nil {
				s.log.WithError(err).Warn("trading-hours check failed, running cycle anyway")
			} else if !open {
				if inWindow {
					s.log.Info("supervisor stopping: trading window closed for the day")
					return nil
				}
				s.log.Debug("outside trading window plus after-close tail, skipping cycle")
				continue
			} else {
				inWindow = true
			}

			s.runCycleGuarded(ctx)
			if s.consecutiveFails > s.cfg.Supervisor.FailureTolerance {
				reason := fmt.Sprintf("supervisor stopping after %d consecutive cycle failures", s.consecutiveFails)
				s.log.Error(reason)
				if s.notifier != nil {
					_ = s.notifier.Notify(ctx, "99995", reason)
				}
				return fmt.Errorf("engine: %s", reason)
			}
		}
	}
}

func (s *Supervisor) runCycleGuarded(ctx context.Context) {
	if err := s.runCycle(ctx); err != nil {
		s.consecutiveFails++
		s.log.WithError(err).WithField("consecutive_fails", s.consecutiveFails).Error("cycle failed")
		return
	}
	s.consecutiveFails = 0
}

// runCycle runs the eleven phases of §4.8 in order, each gated on the
// previous succeeding.
func (s *Supervisor) runCycle(ctx context.Context) error {
	s.log.Debug("cycle starting")

	if err := s.ingestSheet(ctx); err != nil {
		return fmt.Errorf("ingest sheet: %w", err)
	}
	if err := s.resolveLegIDs(ctx); err != nil {
		return fmt.Errorf("resolve leg ids: %w", err)
	}
	if err := s.syncSubscriptions(ctx); err != nil {
		return fmt.Errorf("sync subscriptions: %w", err)
	}
	if err := s.preOpenCheck(ctx); err != nil {
		return fmt.Errorf("pre-open check: %w", err)
	}
	if err := s.placeOpeningOrders(ctx); err != nil {
		return fmt.Errorf("opening orders: %w", err)
	}
	decisions, err := s.evaluate(ctx)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if err := s.placePending(ctx, decisions); err != nil {
		return fmt.Errorf("place pending: %w", err)
	}
	if err := s.requestExecutions(ctx); err != nil {
		return fmt.Errorf("request executions: %w", err)
	}
	if err := s.reconcileFills(ctx); err != nil {
		return fmt.Errorf("reconcile fills: %w", err)
	}
	if err := s.processMessages(ctx); err != nil {
		return fmt.Errorf("process messages: %w", err)
	}
	if err := s.housekeeping(ctx); err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}
	if err := s.st.Save(); err != nil {
		return fmt.Errorf("saving store: %w", err)
	}

	s.log.Debug("cycle complete")
	return nil
}

// ingestSheet pulls current sheet rows and materializes a Trade for any
// row not already tracked by UID (§4.1, §6.1).
func (s *Supervisor) ingestSheet(ctx context.Context) error {
	if s.sheetSrc == nil {
		return nil
	}
	rows, err := s.sheetSrc.ListIntents(ctx)
	if err != nil {
		return fmt.Errorf("listing sheet rows: %w", err)
	}

	for _, row := range rows {
		if row.UID == "" {
			continue
		}
		if _, err := s.st.GetTrade(row.UID); err == nil {
			continue // already tracked
		}

		c, parseErr := tactic.Parse(row.Tactic, row.Symbol, s.now())
		if parseErr != nil {
			s.log.WithError(parseErr).WithField("uid", row.UID).Warn("tactic parse failed")
			s.recordMessage(row.UID, parseErr.Error(), models.CodeTacticParse)
			if s.notifier != nil {
				_ = s.notifier.Notify(ctx, "99995", fmt.Sprintf("trade %s: %v", row.UID, parseErr))
			}
			continue
		}

		trade := tradeFromRow(row, c)
		s.st.PutContract(c)
		s.st.PutTrade(trade)
		s.log.WithField("uid", row.UID).Info("ingested new trade intent")
	}
	return nil
}

func tradeFromRow(row sheet.Row, c models.Contract) models.Trade {
	size := 0
	switch c.SecType {
	case models.SecStock:
		if c.Right == models.RightPut {
			size = -1
		} else {
			size = 1
		}
	default:
		if row.PositionSizeK.IsNegative() {
			size = -1
		} else {
			size = 1
		}
	}

	return models.Trade{
		UID:                  row.UID,
		Symbol:               row.Symbol,
		SecType:              c.SecType,
		Size:                 size,
		TacticText:           row.Tactic,
		UnderlyingEntryPrice: row.UnderlyingEntry,
		TargetPrices:         row.Targets,
		StopPrices:           row.Stops,
		Strike:               c.Strike,
		Right:                c.Right,
		Expiry:               c.Expiry,
		Legs:                 c.Legs,
		Status:               models.StatusPreOpenCheck,
	}
}

// resolveLegIDs runs the Contract Registry across every open trade's
// contract shape in parallel, per-trade failures don't block the rest.
func (s *Supervisor) resolveLegIDs(ctx context.Context) error {
	trades := s.st.ListTrades()
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range trades {
		t := t
		if t.Status == models.StatusClosed {
			continue
		}
		g.Go(func() error {
			c, ok := s.st.GetContract(contractKeyOf(t))
			if !ok {
				return nil
			}
			resolved, err := s.reg.Resolve(gctx, c)
			if err != nil {
				s.log.WithError(err).WithField("uid", t.UID).Warn("leg resolution failed")
				return nil
			}
			s.st.PutContract(resolved)
			return nil
		})
	}
	return g.Wait()
}

func contractKeyOf(t models.Trade) string {
	return models.Contract{
		SecType: t.SecType, Symbol: t.Symbol, Strike: t.Strike,
		Right: t.Right, Expiry: t.Expiry, Legs: t.Legs,
	}.Key()
}

// syncSubscriptions ensures every open trade's contract_key has an active
// market-data subscription (§4.3).
func (s *Supervisor) syncSubscriptions(ctx context.Context) error {
	trades := s.st.ListTrades()
	referenced := make([]string, 0, len(trades))
	for _, t := range trades {
		if t.Status == models.StatusClosed {
			continue
		}
		referenced = append(referenced, contractKeyOf(t))
	}
	return s.md.Sync(ctx, referenced)
}

// entryBandTolerance is how far original_entry_price may sit from the
// current market before a trade is refused out of pre-open-check (§3
// Lifecycles gate (c)).
const entryBandTolerance = 0.05

// preOpenCheck transitions trades out of pre-open-check once (a) their
// contract legs are resolved against the broker, (b) at least one valid
// market price is available, and (c) original_entry_price (when present)
// is within entryBandTolerance of that price (§3 Lifecycles).
func (s *Supervisor) preOpenCheck(ctx context.Context) error {
	now := s.now()
	for _, t := range s.st.ListTrades() {
		if t.Status != models.StatusPreOpenCheck {
			continue
		}
		key := contractKeyOf(t)

		c, ok := s.st.GetContract(key)
		if !ok || c.BrokerContractID == "" {
			continue
		}

		price, ok := s.md.Valid(key, now)
		if !ok {
			continue
		}

		if !t.OriginalEntryPrice.IsZero() {
			entry := t.OriginalEntryPrice.Abs()
			mid := price.Mid.Abs()
			band := entry.Mul(decimal.NewFromFloat(entryBandTolerance))
			if mid.Sub(entry).Abs().GreaterThan(band) {
				detail := fmt.Sprintf("trade %s: original_entry_price %s outside %.0f%% band of market %s",
					t.UID, t.OriginalEntryPrice.String(), entryBandTolerance*100, price.Mid.String())
				s.recordMessage(t.UID, detail, models.CodeEntryOutOfBand)
				if s.notifier != nil {
					_ = s.notifier.Notify(ctx, fmt.Sprintf("%d", models.CodeEntryOutOfBand), detail)
				}
				continue
			}
		}

		newStatus, err := models.TransitionTrade(t.Status, models.StatusOpen, models.CondContractsResolved)
		if err != nil {
			s.log.WithError(err).WithField("uid", t.UID).Warn("invalid trade transition")
			continue
		}
		t.Status = newStatus
		s.st.PutTrade(t)
	}
	return nil
}

// placeOpeningOrders is folded into evaluate/placePending below; kept as
// its own phase name per §4.8's ordering (opening orders are simply
// DecisionOpen decisions placed in the same pass as target/stop).
func (s *Supervisor) placeOpeningOrders(ctx context.Context) error {
	_ = ctx
	return nil
}

type pendingDecision struct {
	trade    models.Trade
	decision evaluator.Decision
	contract models.Contract
}

// evaluate runs the Evaluator across every open trade.
func (s *Supervisor) evaluate(ctx context.Context) ([]pendingDecision, error) {
	_ = ctx
	var out []pendingDecision
	for _, t := range s.st.ListTrades() {
		if t.Status != models.StatusOpen {
			continue
		}
		key := contractKeyOf(t)
		c, ok := s.st.GetContract(key)
		if !ok {
			continue
		}
		tCopy := t
		d := s.eval.Decide(&tCopy, key)
		s.st.PutTrade(tCopy)
		if d.Kind == evaluator.DecisionNone {
			continue
		}
		out = append(out, pendingDecision{trade: tCopy, decision: d, contract: c})
	}
	return out, nil
}

// placePending submits every non-none decision from evaluate via the
// Order Manager.
func (s *Supervisor) placePending(ctx context.Context, decisions []pendingDecision) error {
	for _, pd := range decisions {
		trade := pd.trade
		req := orders.Request{
			Contract: pd.contract,
			Side:     pd.decision.Side,
			Qty:      pd.decision.Qty,
			Limit:    pd.decision.Limit,
			IsPeg:    pd.decision.IsPeg,
			Closing:  pd.decision.Kind != evaluator.DecisionOpen,
			Reason:   pd.decision.Reason,
		}
		if _, err := s.orderMgr.Place(ctx, &trade, req); err != nil {
			s.log.WithError(err).WithField("uid", trade.UID).Warn("order placement refused")
			s.recordMessage(trade.UID, err.Error(), 0)
		}
		s.st.PutTrade(trade)
	}
	return nil
}

// requestExecutions polls the broker for new executions against every
// contract_key referenced by an in-flight order.
func (s *Supervisor) requestExecutions(ctx context.Context) error {
	for _, o := range s.ordersAwaitingExecutions() {
		execs, err := s.br.ReqExecutionsCtx(ctx, broker.ExecutionFilter{ContractKey: o.ContractKey})
		if err != nil {
			s.log.WithError(err).WithField("contract_key", o.ContractKey).Warn("req_executions failed")
			continue
		}
		for _, e := range execs {
			s.pendingExecs = append(s.pendingExecs, execPair{order: o, exec: e})
		}
	}
	return nil
}

type execPair struct {
	order models.Order
	exec  models.Execution
}

func (s *Supervisor) ordersAwaitingExecutions() []models.Order {
	var out []models.Order
	for _, t := range s.st.ListTrades() {
		for _, o := range s.st.ListOrdersForTrade(t.UID) {
			if !o.IsTerminal() {
				out = append(out, o)
			}
		}
	}
	return out
}

// reconcileFills feeds every execution gathered this cycle through the
// Reconciler, then syncs orphaned broker positions.
func (s *Supervisor) reconcileFills(ctx context.Context) error {
	for _, p := range s.pendingExecs {
		trade, err := s.tradeForContractKey(p.order.ContractKey)
		if err != nil {
			continue
		}
		tradeContract, ok := s.st.GetContract(contractKeyOf(trade))
		if !ok {
			continue
		}
		if err := s.recon.ProcessExecution(ctx, &trade, p.order, tradeContract, p.exec); err != nil {
			s.log.WithError(err).WithField("uid", trade.UID).Warn("reconcile failed")
			continue
		}
		s.st.PutTrade(trade)
	}
	s.pendingExecs = nil

	open := make(map[string]bool)
	for _, t := range s.st.ListTrades() {
		if t.Status != models.StatusClosed {
			open[contractKeyOf(t)] = true
		}
	}
	return s.recon.SyncOrphans(ctx, open)
}

func (s *Supervisor) tradeForContractKey(key string) (models.Trade, error) {
	for _, t := range s.st.ListTrades() {
		if contractKeyOf(t) == key {
			return t, nil
		}
	}
	return models.Trade{}, fmt.Errorf("no trade for contract_key %s", key)
}

// processMessages throttles repeat operator-channel sends for open
// messages (§3.1's NotifiedAt field).
func (s *Supervisor) processMessages(ctx context.Context) error {
	for _, m := range s.st.ListOpenMessages() {
		if s.notifier == nil {
			continue
		}
		if s.now().Sub(m.NotifiedAt) < s.cfg.Supervisor.Interval {
			continue
		}
		if err := s.notifier.Notify(ctx, fmt.Sprintf("%d", m.Code), m.Text); err != nil {
			s.log.WithError(err).WithField("trade_uid", m.TradeUID).Warn("failed to notify open message")
			continue
		}
		m.NotifiedAt = s.now()
		s.st.PutMessage(m)
	}
	return nil
}

func (s *Supervisor) recordMessage(tradeUID, text string, code int) {
	now := s.now()
	m, ok := s.st.GetMessage(tradeUID, code)
	if ok {
		m.Recur(now)
		s.st.PutMessage(m)
		return
	}
	s.st.PutMessage(models.TradeMessage{
		TradeUID: tradeUID, Text: text, Code: code, Count: 1,
		Status: models.MessageOpen, FirstAt: now, LastAt: now,
	})
}

// housekeeping flags silent subscriptions, times out pending orders,
// closes out expired contracts and resolves pricing messages (§4.8, §5).
// Stored prices are not expired here.
func (s *Supervisor) housekeeping(ctx context.Context) error {
	now := s.now()
	staleKeys := s.md.StaleKeys(now)
	for _, key := range staleKeys {
		s.recordMessage(key, "market data stale beyond "+marketdataStaleAfter.String(), models.CodePricing)
		if s.notifier != nil {
			_ = s.notifier.Notify(ctx, "99992", "stale market data for "+key)
		}
	}
	s.md.MarkStale(staleKeys)

	for _, o := range s.ordersAwaitingExecutions() {
		if now.Sub(o.DateAdded) > s.cfg.Supervisor.PendingOrderTimeout {
			if newStatus, err := models.TransitionOrder(o.Status, models.OrderError, models.CondTimedOut); err != nil {
				s.log.WithError(err).WithField("request_id", o.RequestID).Warn("invalid order transition")
			} else {
				o.Status = newStatus
			}
			s.st.PutOrder(o)
			s.log.WithField("request_id", o.RequestID).Warn("order timed out pending in market hours")
		}
	}

	for _, t := range s.st.ListTrades() {
		if t.Status == models.StatusClosed {
			continue
		}
		if !t.Expiry.IsZero() && now.After(t.Expiry) && t.LeftQty() == 0 {
			newStatus, err := models.TransitionTrade(t.Status, models.StatusClosed, models.CondFullyClosed)
			if err != nil {
				s.log.WithError(err).WithField("uid", t.UID).Warn("invalid trade transition")
				continue
			}
			t.Status = newStatus
			s.st.PutTrade(t)
		}
	}

	s.resolveStaleMessages(now)
	return nil
}

const marketdataStaleAfter = 30 * time.Minute

// resolveStaleMessages closes out open pricing-failure messages (§4.3)
// once their contract_key is fresh again. Messages with any other code
// are left open; none is moved to unknown.
func (s *Supervisor) resolveStaleMessages(now time.Time) {
	for _, m := range s.st.ListOpenMessages() {
		var to models.MessageStatus
		var cond models.Condition
		switch {
		case m.Code == models.CodePricing:
			if _, fresh := s.md.Valid(m.TradeUID, now); !fresh {
				continue
			}
			to, cond = models.MessageResolved, models.CondMessageResolved
		default:
			continue
		}

		newStatus, err := models.TransitionMessage(m.Status, to, cond)
		if err != nil {
			s.log.WithError(err).WithField("trade_uid", m.TradeUID).Warn("invalid message transition")
			continue
		}
		m.Status = newStatus
		m.ResolvedAt = now
		s.st.PutMessage(m)
	}
}
