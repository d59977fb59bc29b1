package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/signal_ladder/internal/domain"
	"github.com/vitos/signal_ladder/internal/usecase"
	"go.uber.org/zap"
)

// Options collects what the HTTP layer needs. Worker and Gatherer are optional.
type Options struct {
	Port           int
	AllowedOrigins []string
	// QuoteRefresh is the interval between quote-watch updates.
	QuoteRefresh time.Duration

	Service  *usecase.LadderService
	Quotes   *usecase.QuoteResolver
	Signals  domain.SignalRepository
	Worker   *usecase.RecomputeWorker
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type Server struct {
	router  *mux.Router
	server  *http.Server
	service *usecase.LadderService
	quotes  *usecase.QuoteResolver
	signals domain.SignalRepository
	worker  *usecase.RecomputeWorker
	hub     *Hub
	refresh time.Duration
	logger  *zap.Logger
}

func NewServer(opts Options) *Server {
	refresh := opts.QuoteRefresh
	if refresh <= 0 {
		refresh = time.Second
	}
	s := &Server{
		router:  mux.NewRouter(),
		service: opts.Service,
		quotes:  opts.Quotes,
		signals: opts.Signals,
		worker:  opts.Worker,
		hub:     NewHub(opts.AllowedOrigins, opts.Logger),
		refresh: refresh,
		logger:  opts.Logger,
	}
	if s.worker != nil {
		s.worker.OnChange(s.hub.Broadcast)
	}
	s.routes(opts.Gatherer)

	errLog := zap.NewStdLog(opts.Logger)
	var h http.Handler = s.router
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(errLog), handlers.PrintRecoveryStack(true))(h)
	h = handlers.CORS(
		handlers.AllowedOrigins(originsOrAny(opts.AllowedOrigins)),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", userHeader}),
	)(h)
	h = handlers.CombinedLoggingHandler(errLog.Writer(), h)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	api := s.router.PathPrefix("/api").Subrouter()

	// Signals
	api.HandleFunc("/signals", s.handleCreateSignal).Methods(http.MethodPost)
	api.HandleFunc("/signals/{id}/trades", s.handleOpenTrade).Methods(http.MethodPost)
	api.HandleFunc("/signals/{id}/breakeven", s.handlePromoteBreakeven).Methods(http.MethodPost)
	api.HandleFunc("/signals/{id}/stop-out", s.handleStopOut).Methods(http.MethodPost)

	// Ladder
	api.HandleFunc("/signals/{id}/ladder", s.handleLadder).Methods(http.MethodGet)
	api.HandleFunc("/signals/{id}/take-profits", s.handleSubmitLadder).Methods(http.MethodPost)
	api.HandleFunc("/take-profits/{id}", s.handleEditUpdate).Methods(http.MethodPut)
	api.HandleFunc("/take-profits/{id}", s.handleDeleteUpdate).Methods(http.MethodDelete)
	api.HandleFunc("/take-profits/{id}/trigger", s.handleRecordTrigger).Methods(http.MethodPost)

	// Live quotes
	api.HandleFunc("/signals/{id}/quote-lock", s.handleQuoteLock).Methods(http.MethodPost)
	api.HandleFunc("/signals/{id}/quote-watch", s.handleQuoteWatch).Methods(http.MethodGet)

	// Exposure
	api.HandleFunc("/trades/{id}/exposure", s.handleTradeExposure).Methods(http.MethodGet)
	api.HandleFunc("/drift", s.handleDrift).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

func originsOrAny(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
