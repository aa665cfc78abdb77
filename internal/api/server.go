package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/internal/service"
	"fundingflow/internal/symbols"
	"fundingflow/logger"
	"fundingflow/models"
)

const (
	defaultAddress  = "127.0.0.1:8765"
	defaultPort     = "8765"
	defaultSymbol   = "BTCUSDT"
	fundingErrorMsg = "Invalid symbol: only uppercase Latin letters, digits, hyphen"
	historyErrorMsg = "Invalid symbol"
)

// StreamMessage is one push on the funding websocket.
type StreamMessage struct {
	Symbol      string                 `json:"symbol"`
	FetchedAtMs int64                  `json:"fetchedAtMs"`
	Data        models.FundingSnapshot `json:"data"`
}

// Server exposes the funding service over HTTP.
type Server struct {
	cfg           config.APIConfig
	address       string
	svc           *service.Funding
	upgrader      websocket.Upgrader
	httpServer    *http.Server
	exposeMetrics bool
	log           *logger.Log
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics toggles the /metrics route. It is on by default.
func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.exposeMetrics = enabled }
}

func NewServer(cfg config.APIConfig, svc *service.Funding, opts ...Option) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.StreamPoll <= 0 {
		cfg.StreamPoll = time.Second
	}

	addr := ""
	if cfg.Host != "" || cfg.Port != 0 {
		addr = cfg.Address()
		if cfg.Port == 0 {
			addr = cfg.Host
		}
	}

	s := &Server{
		cfg:     cfg,
		address: normalizeAddress(addr),
		svc:     svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		exposeMetrics: true,
		log:           logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Address reports the network address the API listens on.
func (s *Server) Address() string {
	return s.address
}

// Run serves the API and blocks until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.address,
		Handler: router,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.log.WithComponent("api").WithField("address", s.address).Info("funding api listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	if config.IsProductionLike(config.AppEnvironment()) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", s.handleIndex)
	router.GET("/api/funding", s.handleFunding)
	router.GET("/api/funding-history", s.handleHistory)
	router.GET("/api/funding/stream", s.handleStream)
	if s.exposeMetrics {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	return router, nil
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Funding Rate API",
		"api":     "/api/funding?symbol=" + defaultSymbol,
		"history": "/api/funding-history?symbol=" + defaultSymbol,
		"tracked": s.svc.Store().Tracked(),
	})
}

// Validation failures still answer 200 with an error body.
func (s *Server) handleFunding(c *gin.Context) {
	snap, err := s.svc.Funding(c.Request.Context(), symbolParam(c))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"error": fundingErrorMsg})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleHistory(c *gin.Context) {
	hist, err := s.svc.History(c.Request.Context(), symbolParam(c))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"error": historyErrorMsg})
		return
	}
	c.JSON(http.StatusOK, hist)
}

// handleStream serves the snapshot once, then pushes again every time the
// cache entry for the symbol is refreshed.
func (s *Server) handleStream(c *gin.Context) {
	log := s.log.WithComponent("api").WithField("remote", c.ClientIP())

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sym, err := symbols.Normalize(symbolParam(c))
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": fundingErrorMsg})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, historyErrorMsg))
		return
	}

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap, err := s.svc.Funding(ctx, sym)
	if err != nil {
		return
	}
	store := s.svc.Store()
	last := store.LastFetchedAt(sym)
	if err := conn.WriteJSON(StreamMessage{Symbol: sym, FetchedAtMs: last, Data: snap}); err != nil {
		return
	}
	log = log.WithField("symbol", sym)
	log.Debug("stream opened")

	ticker := time.NewTicker(s.cfg.StreamPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("stream closed")
			return
		case <-ticker.C:
			if !store.Has(sym) {
				continue
			}
			e, ok := store.Get(sym)
			if !ok || e.FetchedAtMs <= last {
				continue
			}
			last = e.FetchedAtMs
			if err := conn.WriteJSON(StreamMessage{Symbol: sym, FetchedAtMs: e.FetchedAtMs, Data: e.Snapshot}); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
		}
	}
}

func symbolParam(c *gin.Context) string {
	return c.DefaultQuery("symbol", defaultSymbol)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return defaultAddress
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, defaultPort)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, defaultPort)
	}

	return addr
}
