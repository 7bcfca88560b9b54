package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"bitbucket.org/mmdatafocus/kashflow_sync/config"
	"bitbucket.org/mmdatafocus/kashflow_sync/dedup"
	"bitbucket.org/mmdatafocus/kashflow_sync/kashflow"
	"bitbucket.org/mmdatafocus/kashflow_sync/kfsync"
	"bitbucket.org/mmdatafocus/kashflow_sync/utils"
)

const defaultPort = "8080"

func main() {
	_ = godotenv.Load()

	port := os.Getenv("KASHFLOW_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	db := connectMongo(sigCtx, logger)

	gate := kfsync.NewRunGate()
	newSource := func(ctx context.Context) (kfsync.Source, error) {
		return kashflow.NewClient(ctx)
	}

	r.POST("/api/sync/run", kfsync.TriggerSyncHandler(gate, db, newSource))
	r.GET("/api/sync/status", kfsync.SyncStatusHandler(gate))
	if db != nil {
		runStore := kfsync.NewRunStore(db)
		r.GET("/api/sync/runs", kfsync.RunsListHandler(runStore))
		r.GET("/api/sync/runs/:id", kfsync.RunGetHandler(runStore))
		r.POST("/api/dedup", requireIdle(gate), dedup.Handler(db))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	logger.WithFields(logrus.Fields{"port": port}).Info("KashFlow sync service listening")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		config.CloseMongo(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func connectMongo(ctx context.Context, logger *logrus.Logger) *mongo.Database {
	if !config.MongoEnabled() {
		logger.Warn("MONGO_URI not set; sync will run in fetch-only mode")
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := config.ConnectMongo(connectCtx); err != nil {
		logger.WithFields(logrus.Fields{"err": err.Error()}).Fatal("Mongo connection failed")
	}
	db := config.GetMongoDB()
	if err := config.EnsureSyncIndexes(connectCtx, db); err != nil {
		logger.WithFields(logrus.Fields{"err": err.Error()}).Fatal("Mongo index creation failed")
	}
	return db
}

// requireIdle rejects mutating maintenance calls while a sync is active.
// Dedup against collections a run is writing to would fight the writer.
func requireIdle(gate *kfsync.RunGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gate.Active() {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a sync run is in progress; retry when idle"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
