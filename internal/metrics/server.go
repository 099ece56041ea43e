package metrics

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	_ "net/http/pprof"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server serves /metrics, /debug/vars, /debug/pprof, /health, /ready and
// /stats.
type Server struct {
	srv *http.Server
}

func NewServer(addr string) *Server {
	return &Server{srv: &http.Server{Addr: addr, Handler: NewRouter()}}
}

// NewRouter builds the observability routes.
func NewRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))
	r.GET("/debug/pprof/*any", gin.WrapH(http.DefaultServeMux))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK\n")
	})
	r.GET("/ready", func(c *gin.Context) {
		if Ready() {
			c.String(http.StatusOK, "Ready\n")
			return
		}
		c.String(http.StatusServiceUnavailable, "Not ready\n")
	})
	r.GET("/stats", func(c *gin.Context) {
		body, err := json.Marshal(Current())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", body)
	})
	return r
}

// Start serves in the background. Listen errors are logged.
func (s *Server) Start() {
	go func() {
		logger.Infof("Starting HTTP server on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server error")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
