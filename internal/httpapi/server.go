// Package httpapi serves the kernel's admin HTTP API: health, status, dead
// letters and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/hupe1980/servicebus"
	"github.com/hupe1980/servicebus/bus"
	"github.com/hupe1980/servicebus/logging"
	"github.com/hupe1980/servicebus/metrics"
)

// Source is the kernel side the API reads from. *servicebus.Kernel satisfies it.
type Source interface {
	Status() servicebus.Status
	DeadLetters() []bus.DeadLetter
}

// Options configures the server.
type Options struct {
	// CORSOrigins enables CORS for the listed origins.
	CORSOrigins []string
	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Server is the admin HTTP API.
type Server struct {
	source  Source
	metrics *metrics.Metrics
	logger  logging.Logger
	router  *gin.Engine
	started time.Time
}

// DeadLetterView is the JSON form of a dead letter.
type DeadLetterView struct {
	EnvelopeID string    `json:"envelope_id"`
	Service    string    `json:"service,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	Client     string    `json:"client,omitempty"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// New builds the router. m may be nil, in which case /metrics is not served.
func New(source Source, m *metrics.Metrics, optFns ...func(o *Options)) *Server {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Server{
		source:  source,
		metrics: m,
		logger:  logging.OrNoOp(opts.Logger),
		started: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.RequestLogger(s.logger))
	if m != nil {
		r.Use(m.RequestMetrics("admin"))
	}
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: normalizeOrigins(opts.CORSOrigins),
			AllowMethods: []string{http.MethodGet},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.router = r
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		st := s.source.Status()
		c.JSON(http.StatusOK, gin.H{
			"status": st.Bus.State.String(),
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.source.Status())
	})

	s.router.GET("/deadletters", func(c *gin.Context) {
		records := s.source.DeadLetters()
		out := make([]DeadLetterView, 0, len(records))
		for _, dl := range records {
			reason := ""
			if dl.Reason != nil {
				reason = dl.Reason.Error()
			}
			out = append(out, DeadLetterView{
				EnvelopeID: dl.EnvelopeID,
				Service:    dl.Service,
				Operation:  dl.Operation,
				Client:     dl.Client,
				Reason:     reason,
				At:         dl.At,
			})
		}
		c.JSON(http.StatusOK, gin.H{"dead_letters": out, "total": s.source.Status().Bus.DeadLetters})
	})

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Serve serves on ln until ctx is done, then shuts down within five seconds.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("admin api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
