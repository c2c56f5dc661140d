// Package store provides durable persistence for the trade engine's
// logical tables (§6.3): trades, trade_legs (embedded in Trade), trade
// messages, contracts, prices, orders, executions, broker positions and
// market-data subscriptions.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	json "github.com/segmentio/encoding/json"
)

// ErrNotFound is returned when a lookup by key misses.
var ErrNotFound = errors.New("store: not found")

// Data is the complete persisted snapshot, one guarded aggregate mirroring
// the teacher's single JSONStorage.Data struct under one mutex.
type Data struct {
	LastUpdated time.Time `json:"last_updated"`

	Trades        map[string]models.Trade                  `json:"trades"`
	Messages      map[string]models.TradeMessage            `json:"trade_messages"`
	Contracts     map[string]models.Contract                `json:"contracts"`
	Prices        map[string]models.Price                   `json:"prices"`
	Orders        map[string]models.Order                    `json:"orders"`
	Executions    map[string]models.Execution                `json:"executions"`
	Positions     map[string]models.BrokerPosition            `json:"positions"`
	Subscriptions map[string]models.MarketDataSubscription    `json:"mkt_data_subscriptions"`
}

func newData() *Data {
	return &Data{
		Trades:        make(map[string]models.Trade),
		Messages:      make(map[string]models.TradeMessage),
		Contracts:     make(map[string]models.Contract),
		Prices:        make(map[string]models.Price),
		Orders:        make(map[string]models.Order),
		Executions:    make(map[string]models.Execution),
		Positions:     make(map[string]models.BrokerPosition),
		Subscriptions: make(map[string]models.MarketDataSubscription),
	}
}

// Store is a JSON-file-backed, mutex-guarded aggregate of the engine's
// persistent tables, atomically snapshotted to disk by Save, which the
// Supervisor calls at the end of every cycle (§5: "per-cycle store transaction").
type Store struct {
	mu       sync.RWMutex
	data     *Data
	filepath string
}

// New opens or creates the store at filePath.
func New(filePath string) (*Store, error) {
	s := &Store{filepath: filePath, data: newData()}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	if _, err := os.Stat(filePath); err == nil {
		if loadErr := s.Load(); loadErr != nil {
			return nil, fmt.Errorf("loading store: %w", loadErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat store file: %w", err)
	}

	return s, nil
}

// Load reads the store's file from disk, replacing in-memory state.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath) // #nosec G304 -- filepath is operator-configured, not attacker input
	if err != nil {
		return err
	}
	var loaded Data
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return err
	}
	s.data = &loaded
	s.ensureMaps()
	return nil
}

func (s *Store) ensureMaps() {
	if s.data.Trades == nil {
		s.data.Trades = make(map[string]models.Trade)
	}
	if s.data.Messages == nil {
		s.data.Messages = make(map[string]models.TradeMessage)
	}
	if s.data.Contracts == nil {
		s.data.Contracts = make(map[string]models.Contract)
	}
	if s.data.Prices == nil {
		s.data.Prices = make(map[string]models.Price)
	}
	if s.data.Orders == nil {
		s.data.Orders = make(map[string]models.Order)
	}
	if s.data.Executions == nil {
		s.data.Executions = make(map[string]models.Execution)
	}
	if s.data.Positions == nil {
		s.data.Positions = make(map[string]models.BrokerPosition)
	}
	if s.data.Subscriptions == nil {
		s.data.Subscriptions = make(map[string]models.MarketDataSubscription)
	}
}

// Save atomically persists the current snapshot: write to a temp file in
// the same directory, fsync, rename, fsync the parent directory. Mirrors
// the teacher's JSONStorage.saveUnsafe EXDEV-safe atomic write.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	dir := filepath.Dir(s.filepath)
	f, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("setting temp file permissions: %w", err)
	}

	enc := json.NewEncoder(f)
	if err := enc.Encode(s.data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, s.filepath); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			if copyErr := copyFile(tmpName, s.filepath); copyErr != nil {
				return fmt.Errorf("copying temp file across devices: %w", copyErr)
			}
			_ = os.Remove(tmpName)
		} else {
			return fmt.Errorf("renaming temp file: %w", err)
		}
	}

	return syncParentDir(s.filepath)
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src) // #nosec G304 -- src is our own temp file
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	return dstFile.Sync()
}

func syncParentDir(path string) error {
	dir, err := os.Open(filepath.Dir(path)) // #nosec G304 -- path is operator-configured
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// --- Trades ---

// PutTrade upserts a trade keyed by UID.
func (s *Store) PutTrade(t models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Trades[t.UID] = t
}

// GetTrade returns a copy of the trade with the given UID.
func (s *Store) GetTrade(uid string) (models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.data.Trades[uid]
	if !ok {
		return models.Trade{}, fmt.Errorf("trade %q: %w", uid, ErrNotFound)
	}
	return t, nil
}

// ListTrades returns a snapshot slice of all trades.
func (s *Store) ListTrades() []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Trade, 0, len(s.data.Trades))
	for _, t := range s.data.Trades {
		out = append(out, t)
	}
	return out
}

// --- Messages ---

func messageKey(tradeUID string, code int) string {
	return fmt.Sprintf("%s:%d", tradeUID, code)
}

// PutMessage upserts m, keyed by (TradeUID, Code) so a repeat delivery of
// the same condition recurs onto the existing row instead of duplicating it.
func (s *Store) PutMessage(m models.TradeMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Messages[messageKey(m.TradeUID, m.Code)] = m
}

func (s *Store) GetMessage(tradeUID string, code int) (models.TradeMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.data.Messages[messageKey(tradeUID, code)]
	return m, ok
}

// ListOpenMessages returns every message still awaiting operator
// resolution.
func (s *Store) ListOpenMessages() []models.TradeMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TradeMessage, 0)
	for _, m := range s.data.Messages {
		if m.Status == models.MessageOpen {
			out = append(out, m)
		}
	}
	return out
}

// --- Contracts ---

func (s *Store) PutContract(c models.Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Contracts[c.Key()] = c
}

func (s *Store) GetContract(key string) (models.Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data.Contracts[key]
	return c, ok
}

// --- Prices ---

func (s *Store) PutPrice(p models.Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Prices[p.ContractKey] = p
}

func (s *Store) GetPrice(contractKey string) (models.Price, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.Prices[contractKey]
	return p, ok
}

// --- Orders ---

func (s *Store) PutOrder(o models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Orders[o.RequestID] = o
}

func (s *Store) GetOrder(requestID string) (models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.data.Orders[requestID]
	return o, ok
}

func (s *Store) ListOrdersForTrade(tradeUID string) []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Order, 0)
	for _, o := range s.data.Orders {
		if o.TradeUID == tradeUID {
			out = append(out, o)
		}
	}
	return out
}

// --- Executions ---

// PutExecution stores exec, applying the supersede rule (invariant 9, §3):
// a later correction for the same BaseExecID replaces the prior one under
// the same storage key, keyed by BaseExecID rather than ExecID so a
// correction cannot coexist with the fill it corrects.
func (s *Store) PutExecution(exec models.Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.data.Executions[exec.BaseExecID]
	if ok && !exec.Supersedes(existing) {
		return
	}
	s.data.Executions[exec.BaseExecID] = exec
}

func (s *Store) ListExecutionsForContract(contractKey string) []models.Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Execution, 0)
	for _, e := range s.data.Executions {
		if e.ContractKey == contractKey {
			out = append(out, e)
		}
	}
	return out
}

// --- Broker positions ---

func (s *Store) PutPosition(p models.BrokerPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Positions[p.ContractKey] = p
}

func (s *Store) ListPositions() []models.BrokerPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BrokerPosition, 0, len(s.data.Positions))
	for _, p := range s.data.Positions {
		out = append(out, p)
	}
	return out
}

// --- Market-data subscriptions ---

func (s *Store) PutSubscription(sub models.MarketDataSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Subscriptions[sub.ContractKey] = sub
}

func (s *Store) GetSubscription(contractKey string) (models.MarketDataSubscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.data.Subscriptions[contractKey]
	return sub, ok
}

func (s *Store) ListSubscriptions() []models.MarketDataSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MarketDataSubscription, 0, len(s.data.Subscriptions))
	for _, sub := range s.data.Subscriptions {
		out = append(out, sub)
	}
	return out
}
