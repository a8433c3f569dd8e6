// server.go - Dashboard-API
//
// Dieses Modul enthaelt:
// - Server: HTTP-API ueber dem Laufarchiv
// - GenerateRoutes: Router- und CORS-Konfiguration
// - Serve: Listener-Schleife mit Shutdown ueber den Kontext
package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ursa-ml/ursa/envconfig"
	"github.com/ursa-ml/ursa/logutil"
	"github.com/ursa-ml/ursa/version"
)

// Server answers dashboard requests from the run archive.
type Server struct {
	store *Store
}

// NewServer returns a server reading from store.
func NewServer(store *Store) *Server {
	return &Server{store: store}
}

// GenerateRoutes erstellt und konfiguriert den HTTP-Router
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With"}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "Ursa is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "Ursa is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	r.GET("/api/runs", s.ListHandler)
	r.GET("/api/runs/:id", s.ShowHandler)
	r.GET("/api/runs/:id/scalars", s.ScalarsHandler)
	r.GET("/api/runs/:id/images", s.ImagesHandler)

	// Artefakte direkt aus dem Archiv ausliefern
	r.Static("/artifacts", filepath.Join(s.store.Dir(), "artifacts"))

	return r
}

// ListHandler returns every recorded run, newest first.
func (s *Server) ListHandler(c *gin.Context) {
	runs, err := s.store.Runs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// ShowHandler returns one run together with its metric names.
func (s *Server) ShowHandler(c *gin.Context) {
	run, err := s.store.Run(c.Param("id"))
	if errors.Is(err, ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("run %q not found", c.Param("id"))})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	names, err := s.store.ScalarNames(run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "scalars": names})
}

// ScalarsHandler returns a run's metric points. The optional name
// query narrows to one metric.
func (s *Server) ScalarsHandler(c *gin.Context) {
	if _, err := s.store.Run(c.Param("id")); err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("run %q not found", c.Param("id"))})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	vals, err := s.store.Scalars(c.Param("id"), c.Query("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scalars": vals})
}

// ImagesHandler returns a run's artifact references.
func (s *Server) ImagesHandler(c *gin.Context) {
	if _, err := s.store.Run(c.Param("id")); err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("run %q not found", c.Param("id"))})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	refs, err := s.store.Images(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": refs})
}

// Serve answers dashboard requests on ln until ctx is cancelled or
// the listener fails.
func Serve(ctx context.Context, store *Store, ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	if envconfig.LogLevel() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := NewServer(store)
	srvr := &http.Server{Handler: s.GenerateRoutes()}

	done := make(chan error, 1)
	go func() {
		done <- srvr.Serve(ln)
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))

	select {
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srvr.Shutdown(shutdownCtx)
	}
}
