package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/cuemby/spark/pkg/log"
	"github.com/cuemby/spark/pkg/storage"
)

const defaultJobsLimit = 50

// JobLister is the part of the job ledger served on /jobs
type JobLister interface {
	ListRecent(limit int) ([]*storage.JobRecord, error)
}

// WorkerStatus describes one job slot as served on /workers
type WorkerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	JobID string `json:"job_id,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// WorkerLister reports the current state of every job slot
type WorkerLister interface {
	WorkerStatus() []WorkerStatus
}

// Server is the local status endpoint: Prometheus metrics, health,
// readiness and recent jobs
type Server struct {
	echo *echo.Echo
	addr string

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a status server for addr. jobs and workers may be nil,
// in which case /jobs or /workers is not served.
func NewServer(addr string, jobs JobLister, workers WorkerLister) *Server {
	r := echo.New()
	r.HideBanner = true
	r.HidePort = true
	r.Use(requestLogger)

	r.GET("/metrics", echo.WrapHandler(Handler()))
	r.GET("/health", HealthHandler)
	r.GET("/ready", ReadyHandler)
	r.GET("/live", LivenessHandler)

	if jobs != nil {
		r.GET("/jobs", func(c echo.Context) error {
			limit := defaultJobsLimit
			if v := c.QueryParam("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					return c.String(http.StatusBadRequest, "invalid limit")
				}
				limit = n
			}

			records, err := jobs.ListRecent(limit)
			if err != nil {
				return c.String(http.StatusInternalServerError, err.Error())
			}
			if records == nil {
				records = []*storage.JobRecord{}
			}
			return c.JSON(http.StatusOK, records)
		})
	}

	if workers != nil {
		r.GET("/workers", func(c echo.Context) error {
			return c.JSON(http.StatusOK, workers.WorkerStatus())
		})
	}

	return &Server{echo: r, addr: addr}
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr returns the bound address once the server is listening
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// ListenAndServe blocks until the server is shut down
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.echo.Listener = ln
	s.mu.Unlock()

	logger := log.WithComponent("status")
	logger.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")

	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		log.Logger.Trace().
			Str("method", c.Request().Method).
			Str("uri", c.Request().RequestURI).
			Int("status", c.Response().Status).
			Msg("HTTP")
		return err
	}
}
