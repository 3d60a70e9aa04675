// Package diag serves the device's HTTP diagnostics surface: health,
// runtime status, and the prometheus metrics endpoint.
package diag

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/embercore/internal/auth"
	"github.com/danmuck/embercore/internal/epacket"
	"github.com/danmuck/embercore/internal/observability"
	"github.com/danmuck/embercore/internal/reboot"
)

// Config describes the diagnostics listener.
type Config struct {
	Addr        string
	CorsOrigins []string
	// AdminToken guards the admin routes. Empty disables them.
	AdminToken string
}

// Server exposes the diagnostics API for one device node.
type Server struct {
	cfg     Config
	mgr     *epacket.Manager
	tracker *reboot.Tracker
	version string
	started time.Time

	router *gin.Engine
	http   *http.Server

	// RequestReboot is invoked by the admin reboot route.
	RequestReboot func(detail string)
}

func NewServer(cfg Config, mgr *epacket.Manager, tracker *reboot.Tracker, version string) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":9000"
	}
	s := &Server{
		cfg:     cfg,
		mgr:     mgr,
		tracker: tracker,
		version: version,
		started: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.With().Str("component", "diag").Logger()))
	if len(s.cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CorsOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	s.registerRoutes(r)
	return r
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "embercore",
			"version": s.version,
		})
	})

	r.GET("/status", func(c *gin.Context) {
		ifaces := make([]gin.H, 0, 4)
		for _, iface := range s.mgr.Interfaces() {
			ifaces = append(ifaces, gin.H{
				"name":            iface.Name(),
				"up":              iface.Up(),
				"max_packet_size": iface.MaxPacketSize(),
			})
		}
		status := gin.H{
			"uptime":     time.Since(s.started).String(),
			"version":    s.version,
			"interfaces": ifaces,
		}
		if s.tracker != nil {
			status["boot_count"] = s.tracker.Count()
			if last, ok := s.tracker.Last(); ok {
				status["last_shutdown"] = gin.H{
					"reason":   last.Reason.String(),
					"uptime_s": last.Uptime,
					"detail":   last.Detail,
				}
			}
		}
		c.JSON(http.StatusOK, status)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.cfg.AdminToken != "" {
		admin := r.Group("/admin", auth.RequireBearer(auth.StaticToken{Token: s.cfg.AdminToken}))
		admin.POST("/reboot", func(c *gin.Context) {
			if s.RequestReboot == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "reboot not wired"})
				return
			}
			s.RequestReboot("diag admin request")
			c.JSON(http.StatusOK, gin.H{"status": "success"})
		})
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Serve blocks on the listener.
func (s *Server) Serve() error {
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	log.Info().Str("addr", s.cfg.Addr).Msg("diag listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("diag serve: %w", err)
	}
	return nil
}

// Shutdown drains and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
