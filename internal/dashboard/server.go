package dashboard

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/broker"
	"github.com/eddiefleurent/tradeengine/internal/marketdata"
	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/eddiefleurent/tradeengine/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

//go:embed web/templates/*
var templateFS embed.FS

//go:embed web/static/*
var staticFS embed.FS

// Server is the read-only HTTP status view over the Trade Store: open
// trades, orders, operator messages and subscription health.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     *store.Store
	broker    broker.Broker
	md        *marketdata.Manager
	logger    *logrus.Logger
	port      int
	authToken string

	dashboardTemplate   *template.Template
	tradesTemplate      *template.Template
	statsTemplate       *template.Template
	tradeDetailTemplate *template.Template
}

// Config configures the dashboard's listen address and auth token.
type Config struct {
	Port      int
	AuthToken string
}

// DashboardData is the payload rendered into the index template.
type DashboardData struct {
	Trades         []TradeView
	Stats          Statistics
	LastUpdate     time.Time
	AccountBalance float64
	MarketStatus   string
}

// TradeView is a display-ready projection of models.Trade.
type TradeView struct {
	UID        string
	Symbol     string
	SecType    string
	Status     string
	DTE        int
	Strike     float64
	Right      string
	EntryPrice float64
	ExitPrice  float64
	CurrentPnL float64
	IsProfit   bool
	LeftQty    int
	TotalQty   int
}

// OrderView is a display-ready projection of models.Order.
type OrderView struct {
	RequestID   string
	TradeUID    string
	ContractKey string
	Action      string
	Qty         int
	Type        string
	Price       float64
	Status      string
}

// MessageView is a display-ready projection of models.TradeMessage.
type MessageView struct {
	TradeUID string
	Text     string
	Code     int
	Status   string
	Count    int
	LastAt   time.Time
}

// Statistics summarizes the book across open and closed trades.
type Statistics struct {
	TotalTrades        int
	WinningTrades       int
	LosingTrades        int
	WinRate             float64
	TotalPnL            float64
	AveragePnL          float64
	CurrentOpen         int
	OpenOrders          int
	OpenMessages        int
	StaleSubscriptions  int
}

// NewServer wires the dashboard against the shared Trade Store, broker
// gateway and Market-Data Manager.
func NewServer(cfg Config, st *store.Store, br broker.Broker, md *marketdata.Manager, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     st,
		broker:    br,
		md:        md,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	if err := s.parseTemplates(); err != nil {
		logger.WithError(err).Fatal("Failed to parse templates")
	}

	s.setupRoutes()
	return s
}

func (s *Server) parseTemplates() error {
	funcMap := template.FuncMap{
		"mul": func(a, b float64) float64 { return a * b },
		"div": func(a, b float64) float64 {
			if b == 0 {
				return 0
			}
			return a / b
		},
	}

	var err error
	s.dashboardTemplate, err = template.New("dashboard.html").Funcs(funcMap).ParseFS(templateFS, "web/templates/*.html")
	if err != nil {
		return fmt.Errorf("failed to parse dashboard template: %w", err)
	}

	s.tradesTemplate, err = template.New("trades.html").Funcs(funcMap).ParseFS(templateFS, "web/templates/trades.html")
	if err != nil {
		return fmt.Errorf("failed to parse trades template: %w", err)
	}

	s.statsTemplate, err = template.New("stats.html").Funcs(funcMap).ParseFS(templateFS, "web/templates/stats.html")
	if err != nil {
		return fmt.Errorf("failed to parse stats template: %w", err)
	}

	s.tradeDetailTemplate, err = template.New("trade-detail.html").Funcs(funcMap).ParseFS(templateFS, "web/templates/trade-detail.html")
	if err != nil {
		return fmt.Errorf("failed to parse trade detail template: %w", err)
	}

	return nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLoggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(middleware.Compress(5))

	sub, err := fs.Sub(staticFS, "web/static")
	if err != nil {
		s.logger.WithError(err).Fatal("Failed to create static filesystem")
	}
	s.router.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(sub))))

	if s.authToken != "" {
		s.router.Route("/", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.handleDashboard)
			r.Get("/api/trades", s.handleGetTrades)
			r.Get("/api/orders", s.handleGetOrders)
			r.Get("/api/messages", s.handleGetMessages)
			r.Get("/api/stats", s.handleGetStats)
			r.Get("/api/trade/{uid}", s.handleGetTrade)
			r.Get("/partials/trades", s.handleTradesPartial)
			r.Get("/partials/stats", s.handleStatsPartial)
			r.Get("/partials/trade/{uid}", s.handleTradeDetailPartial)
		})
	} else {
		s.router.Get("/", s.handleDashboard)
		s.router.Get("/api/trades", s.handleGetTrades)
		s.router.Get("/api/orders", s.handleGetOrders)
		s.router.Get("/api/messages", s.handleGetMessages)
		s.router.Get("/api/stats", s.handleGetStats)
		s.router.Get("/api/trade/{uid}", s.handleGetTrade)
		s.router.Get("/partials/trades", s.handleTradesPartial)
		s.router.Get("/partials/stats", s.handleStatsPartial)
		s.router.Get("/partials/trade/{uid}", s.handleTradeDetailPartial)
	}

	s.router.Get("/health", s.handleHealth)
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loggedURL := s.redactTokenFromURL(r.URL)

		logEntry := s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"url":        loggedURL.String(),
			"user_agent": r.UserAgent(),
			"remote_ip":  r.RemoteAddr,
		})

		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		logEntry.WithFields(logrus.Fields{
			"status":   wrapped.Status(),
			"bytes":    wrapped.BytesWritten(),
			"duration": time.Since(start),
		}).Info("HTTP Request")
	})
}

func (s *Server) redactTokenFromURL(originalURL *url.URL) *url.URL {
	loggedURL := &url.URL{
		Scheme:   originalURL.Scheme,
		Host:     originalURL.Host,
		Path:     originalURL.Path,
		RawQuery: originalURL.RawQuery,
		Fragment: originalURL.Fragment,
	}

	if originalURL.RawQuery != "" {
		values := originalURL.Query()
		for _, k := range []string{"token", "auth_token"} {
			if values.Has(k) {
				values.Set(k, "[REDACTED]")
			}
		}
		loggedURL.RawQuery = values.Encode()
	}

	return loggedURL
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/static/") {
			next.ServeHTTP(w, r)
			return
		}

		var token string
		token = r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			if cookie, err := r.Cookie("auth_token"); err == nil {
				token = cookie.Value
			}
		}

		if !s.isValidToken(token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) isValidToken(token string) bool {
	if len(token) != len(s.authToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

// Start blocks serving the dashboard until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data, err := s.getDashboardData(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to get dashboard data")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.dashboardTemplate.Execute(w, data); err != nil {
		s.logger.WithError(err).Error("Failed to execute dashboard template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	views := s.convertTradesToViews(s.store.ListTrades())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.WithError(err).Error("Failed to encode trades")
	}
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	var views []OrderView
	for _, t := range s.store.ListTrades() {
		for _, o := range s.store.ListOrdersForTrade(t.UID) {
			if o.IsTerminal() {
				continue
			}
			views = append(views, convertOrderToView(o))
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.WithError(err).Error("Failed to encode orders")
	}
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	var views []MessageView
	for _, m := range s.store.ListOpenMessages() {
		views = append(views, convertMessageToView(m))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.WithError(err).Error("Failed to encode messages")
	}
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.calculateStatistics()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.WithError(err).Error("Failed to encode statistics")
	}
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	trade, err := s.store.GetTrade(uid)
	if err != nil {
		s.logger.WithField("trade_uid", uid).Warn("Trade not found")
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	view := convertTradeToView(&trade)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		s.logger.WithError(err).Error("Failed to encode trade")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.WithError(err).Error("Failed to encode health response")
	}
}

func (s *Server) handleTradesPartial(w http.ResponseWriter, r *http.Request) {
	views := s.convertTradesToViews(s.store.ListTrades())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tradesTemplate.ExecuteTemplate(w, "trades-content", views); err != nil {
		s.logger.WithError(err).Error("Failed to execute trades template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleStatsPartial(w http.ResponseWriter, r *http.Request) {
	stats := s.calculateStatistics()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.statsTemplate.ExecuteTemplate(w, "stats-content", stats); err != nil {
		s.logger.WithError(err).Error("Failed to execute stats template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleTradeDetailPartial(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	trade, err := s.store.GetTrade(uid)
	if err != nil {
		s.logger.WithField("trade_uid", uid).Warn("Trade not found")
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	view := convertTradeToView(&trade)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tradeDetailTemplate.Execute(w, view); err != nil {
		s.logger.WithError(err).Error("Failed to execute trade detail template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) getDashboardData(ctx context.Context) (*DashboardData, error) {
	stats := s.calculateStatistics()

	accountBalance := 0.0
	if s.broker != nil {
		update, err := s.broker.ReqAccountUpdatesCtx(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to get account balance")
		} else {
			accountBalance, _ = update.NetLiquidation.Float64()
		}
	}

	marketStatus := "Closed"
	if isMarketOpen() {
		marketStatus = "Open"
	}

	return &DashboardData{
		Trades:         s.convertTradesToViews(s.store.ListTrades()),
		Stats:          stats,
		LastUpdate:     time.Now(),
		AccountBalance: accountBalance,
		MarketStatus:   marketStatus,
	}, nil
}

func (s *Server) convertTradesToViews(trades []models.Trade) []TradeView {
	views := make([]TradeView, 0, len(trades))
	for i := range trades {
		if trades[i].Status == models.StatusClosed {
			continue
		}
		views = append(views, convertTradeToView(&trades[i]))
	}
	return views
}

func convertTradeToView(t *models.Trade) TradeView {
	dte := 0
	if !t.Expiry.IsZero() {
		dte = int(time.Until(t.Expiry).Hours() / 24)
		if dte < 0 {
			dte = 0
		}
	}

	entry, _ := t.EntryPrice.Decimal.Float64()
	exit, _ := t.ExitPrice.Decimal.Float64()
	strike := t.Strike

	currentPnL := 0.0
	if t.EntryPrice.Valid {
		diff := exit - entry
		if t.IsShort() {
			diff = entry - exit
		}
		currentPnL = diff * float64(t.TotalQty())
	}

	return TradeView{
		UID:        t.UID,
		Symbol:     t.Symbol,
		SecType:    string(t.SecType),
		Status:     string(t.Status),
		DTE:        dte,
		Strike:     strike,
		Right:      string(t.Right),
		EntryPrice: entry,
		ExitPrice:  exit,
		CurrentPnL: currentPnL,
		IsProfit:   currentPnL > 0,
		LeftQty:    t.LeftQty(),
		TotalQty:   t.TotalQty(),
	}
}

func convertOrderToView(o models.Order) OrderView {
	price, _ := o.Price.Float64()
	return OrderView{
		RequestID:   o.RequestID,
		TradeUID:    o.TradeUID,
		ContractKey: o.ContractKey,
		Action:      string(o.Action),
		Qty:         o.Qty,
		Type:        string(o.Type),
		Price:       price,
		Status:      string(o.Status),
	}
}

func convertMessageToView(m models.TradeMessage) MessageView {
	return MessageView{
		TradeUID: m.TradeUID,
		Text:     m.Text,
		Code:     m.Code,
		Status:   string(m.Status),
		Count:    m.Count,
		LastAt:   m.LastAt,
	}
}

func (s *Server) calculateStatistics() Statistics {
	trades := s.store.ListTrades()

	stats := Statistics{}
	for _, t := range trades {
		if t.Status != models.StatusClosed {
			stats.CurrentOpen++
			continue
		}
		stats.TotalTrades++
		view := convertTradeToView(&t)
		if view.CurrentPnL > 0 {
			stats.WinningTrades++
		} else {
			stats.LosingTrades++
		}
		stats.TotalPnL += view.CurrentPnL
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades) * 100
		stats.AveragePnL = stats.TotalPnL / float64(stats.TotalTrades)
	}

	for _, t := range trades {
		for _, o := range s.store.ListOrdersForTrade(t.UID) {
			if !o.IsTerminal() {
				stats.OpenOrders++
			}
		}
	}

	stats.OpenMessages = len(s.store.ListOpenMessages())

	if s.md != nil {
		stats.StaleSubscriptions = len(s.md.StaleKeys(time.Now()))
	}

	return stats
}

func isMarketOpen() bool {
	now := time.Now()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	nyTime := now.In(loc)

	if nyTime.Weekday() == time.Saturday || nyTime.Weekday() == time.Sunday {
		return false
	}

	hour := nyTime.Hour()
	minute := nyTime.Minute()
	totalMinutes := hour*60 + minute

	marketOpen := 9*60 + 30
	marketClose := 16 * 60

	return totalMinutes >= marketOpen && totalMinutes < marketClose
}
