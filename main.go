// Command kaimono-session hosts map browsing sessions over HTTP: viewport,
// search, sort and location events come in, clustered markers and a ranked
// store list come out. With no STORE_API_URL configured it self-hosts the
// reference store backend over a generated catalog.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/woziwww-lang/kaimono-fullstack/config"
	"github.com/woziwww-lang/kaimono-fullstack/fetch"
	"github.com/woziwww-lang/kaimono-fullstack/geo"
	"github.com/woziwww-lang/kaimono-fullstack/metrics"
	"github.com/woziwww-lang/kaimono-fullstack/querystate"
	"github.com/woziwww-lang/kaimono-fullstack/session"
	"github.com/woziwww-lang/kaimono-fullstack/storeapi"
	"github.com/woziwww-lang/kaimono-fullstack/stores"
)

// tokyoArea bounds the generated demo catalog.
var tokyoArea = geo.BBox{139.5, 35.4, 140.0, 35.9}

const demoCatalogSize = 2000

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	met := metrics.New()

	if err := os.MkdirAll(cfg.SnapshotDir, 0755); err != nil {
		logger.Error("failed to create snapshot directory", "dir", cfg.SnapshotDir, "error", err)
		os.Exit(1)
	}
	snapshotPath := filepath.Join(cfg.SnapshotDir, "index.zst")
	queryPath := filepath.Join(cfg.SnapshotDir, "query")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(metricsMiddleware(met))

	// Without an upstream, serve the reference backend from this process.
	upstreamURL := cfg.StoreAPIURL
	if upstreamURL == "" {
		catalog := stores.GenerateCatalog(demoCatalogSize, tokyoArea, 1)
		backend := storeapi.NewServer(catalog, storeapi.WithLogger(logger))
		backend.Register(router)
		upstreamURL = "http://127.0.0.1" + ensureColon(cfg.Port)
		logger.Info("serving built-in store catalog", "stores", len(catalog))
	}

	searcher := fetch.NewClient(upstreamURL,
		fetch.WithAPIKey(cfg.StoreAPIKey),
		fetch.WithClientLogger(logger),
	)

	sess := session.New(searcher, session.Options{
		InitialQuery: readPersistedQuery(queryPath, logger),
		Persist:      persistQuery(queryPath, logger),
		Logger:       logger,
		Metrics:      met,
	})
	defer sess.Close()

	if _, err := os.Stat(snapshotPath); err == nil {
		if err := sess.RestoreIndex(snapshotPath); err != nil {
			logger.Warn("failed to restore index snapshot", "path", snapshotPath, "error", err)
		} else {
			logger.Info("restored index snapshot", "path", snapshotPath)
		}
	}

	registerSessionRoutes(router, sess)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(met.Registry, promhttp.HandlerOpts{})))

	server := &http.Server{
		Addr:    ensureColon(cfg.Port),
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown did not complete cleanly", "error", err)
	}

	if err := sess.SaveIndex(snapshotPath); err != nil {
		logger.Warn("failed to save index snapshot", "path", snapshotPath, "error", err)
	} else {
		logger.Info("saved index snapshot", "path", snapshotPath)
	}
}

func ensureColon(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func readPersistedQuery(path string, logger *slog.Logger) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read persisted query", "path", path, "error", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

func persistQuery(path string, logger *slog.Logger) func(string) {
	return func(encoded string) {
		if err := os.WriteFile(path, []byte(encoded), 0644); err != nil {
			logger.Warn("failed to persist query", "path", path, "error", err)
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, X-API-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func metricsMiddleware(met *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		met.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		met.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

type viewportRequest struct {
	BBox geo.BBox `json:"bbox" binding:"required"`
	Zoom int      `json:"zoom"`
}

type searchRequest struct {
	Q string `json:"q"`
}

type sortRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type locateRequest struct {
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Failed bool     `json:"failed"`
}

func registerSessionRoutes(router gin.IRouter, sess *session.Session) {
	router.POST("/api/viewport", func(c *gin.Context) {
		var req viewportRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid viewport"})
			return
		}
		if req.BBox.West() > req.BBox.East() || req.BBox.South() > req.BBox.North() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bbox ordering"})
			return
		}
		sess.SetViewport(req.BBox, req.Zoom)
		c.JSON(http.StatusAccepted, gin.H{"status": "observed"})
	})

	router.POST("/api/search", func(c *gin.Context) {
		var req searchRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid search"})
			return
		}
		sess.SetSearch(req.Q)
		c.JSON(http.StatusAccepted, gin.H{"status": "applied"})
	})

	router.POST("/api/sort", func(c *gin.Context) {
		var req sortRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sort"})
			return
		}
		mode := querystate.SortMode(req.Mode)
		if mode != querystate.SortPrice && mode != querystate.SortDistance {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown sort mode"})
			return
		}
		sess.SetSort(mode)
		c.JSON(http.StatusAccepted, gin.H{"status": "applied"})
	})

	router.POST("/api/locate", func(c *gin.Context) {
		var req locateRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location"})
			return
		}
		if req.Failed || req.Lat == nil || req.Lon == nil {
			sess.GeolocationFailed()
			c.JSON(http.StatusAccepted, gin.H{"status": "failure noted"})
			return
		}
		sess.SetUserLocation(geo.Point{Lat: *req.Lat, Lon: *req.Lon})
		c.JSON(http.StatusAccepted, gin.H{"status": "applied"})
	})

	router.GET("/api/markers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"markers": sess.Markers()})
	})

	router.GET("/api/list", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"items": sess.List()})
	})

	router.GET("/api/state", func(c *gin.Context) {
		snap := sess.Snapshot()
		center := sess.Center()
		c.JSON(http.StatusOK, gin.H{
			"search":          snap.Search,
			"bbox":            snap.BBox,
			"zoom":            snap.Zoom,
			"sort":            snap.SortMode,
			"user_location":   snap.UserLocation,
			"center":          center,
			"flags":           sess.Flags(),
			"persisted_query": sess.PersistedQuery(),
		})
	})

	router.GET("/api/expansion-zoom", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Query("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cluster id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "zoom": sess.ExpansionZoom(id)})
	})
}
