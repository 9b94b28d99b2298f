package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"claimcare/internal/analysis"
	"claimcare/internal/api"
	"claimcare/internal/audit"
	"claimcare/internal/auth"
	"claimcare/internal/billing"
	"claimcare/internal/config"
	"claimcare/internal/ratelimit"
	"claimcare/internal/redis"
	"claimcare/internal/storage"
	"claimcare/internal/users"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfgPath := os.Getenv("CLAIMCARE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	dbType := os.Getenv("CLAIMCARE_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.WithField("driver", dbType).Info("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.WithError(err).Fatal("migrate database")
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.WithError(err).Fatal("create redis client")
	}
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gemini, err := analysis.NewGeminiClient(ctx, cfg.Gemini)
	if err != nil {
		log.WithError(err).Fatal("init gemini client")
	}
	gate := analysis.NewGate(cfg.BasicConfig.MaxConcurrentAnalyses, cfg.BasicConfig.AnalysisQueueSize)
	analyzer := analysis.NewRequester(gemini, gate,
		time.Duration(cfg.BasicConfig.AnalysisTimeoutSeconds)*time.Second, log)

	store := audit.NewStore(db, dbType, rdb)
	notifier := audit.NewNotifier(rdb, log)
	checkout := billing.NewCheckout(cfg.Stripe, cfg.BasicConfig.SiteURL, log)
	webhook := billing.NewWebhook(cfg.Stripe.WebhookSecret, store, notifier, log)
	limiter := ratelimit.New(rdb, cfg.RateLimit, log)

	userService := users.NewService(db)
	authService := auth.NewService(db, 7*24*time.Hour)

	handlers := api.NewHandler(userService, authService, analyzer, store, checkout, webhook, notifier, limiter, log)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	log.WithField("addr", addr).Info("starting server")
	if err := router.Run(addr); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
