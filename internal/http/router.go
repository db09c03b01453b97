package http

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/shopd/authd/internal/cache"
	"github.com/shopd/authd/internal/config"
	"github.com/shopd/authd/internal/http/handlers"
	"github.com/shopd/authd/internal/http/middlewares"
	"github.com/shopd/authd/internal/observability"
	"github.com/shopd/authd/internal/queue/redisclient"
	"github.com/shopd/authd/internal/repo/postgres"
	"github.com/shopd/authd/internal/session"
)

func NewRouter(log *slog.Logger, pool *pgxpool.Pool, rdb *redisclient.Client, cfg config.Config) *gin.Engine {
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// own registry so multiple routers (tests) never collide on MustRegister
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	prom := observability.NewProm(reg)

	// middleware

	r.Use(gin.Recovery())
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger(log))
	r.Use(otelgin.Middleware("authd"))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.CORSMiddleware(cfg.AllowedOrigins))
	r.Use(middlewares.MaxBodyBytes(1 << 20))
	r.Use(middlewares.RequireJSON())
	r.Use(prom.GinHandleMiddleware())

	// wire up repositories and stores

	usersRepo := postgres.NewUsersRepo(pool, prom)
	jobsRepo := postgres.NewJobsRepo(pool, prom)
	sessions := session.NewStore(rdb.Raw(), cfg.SessionTTL)

	// failed-login counters; entries lapse on their own
	loginThrottle := cache.New(15 * time.Minute)

	sessionMW := middlewares.NewSessionMiddleware(sessions, usersRepo)
	r.Use(sessionMW.Load())

	// health

	pingDB := func(ctx context.Context) error {
		if pool == nil {
			return nil
		}
		return pool.Ping(ctx)
	}
	pingRedis := func(ctx context.Context) error {
		if rdb == nil {
			return nil
		}
		return rdb.Ping(ctx)
	}

	healthHandler := handlers.NewHealthHandler(pingDB, pingRedis)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/readyz", healthHandler.Readyz)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// auth

	authHandler := handlers.NewAuthHandler(usersRepo, usersRepo, sessions, jobsRepo, loginThrottle, prom, cfg)
	resetHandler := handlers.NewPasswordResetHandler(usersRepo, jobsRepo, cfg)

	loginLimiter := middlewares.NewRateLimiter(10, time.Minute)
	resetLimiter := middlewares.NewRateLimiter(5, time.Minute)

	r.POST("/signup", authHandler.SignUp)
	r.POST("/login", loginLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.Login)
	r.POST("/logout", middlewares.RequireAuth(), middlewares.RequireCSRF(), authHandler.Logout)
	r.GET("/me", middlewares.RequireAuth(), authHandler.Me)

	// password reset flow

	r.POST("/password/reset", resetLimiter.RateLimiterMiddleware(middlewares.KeyByIP), resetHandler.RequestReset)
	r.GET("/password/new/:token", resetHandler.GetReset)
	r.POST("/password/new", resetHandler.CompleteReset)

	// admin surface for the mail queue

	adminJobsHandler := handlers.NewAdminJobsHandler(jobsRepo)

	admin := r.Group("/admin",
		middlewares.RequireAuth(),
		middlewares.RequireRole(cfg.AdminRole),
	)

	admin.GET("/mail/jobs", adminJobsHandler.List)
	admin.GET("/mail/jobs/:id", adminJobsHandler.GetByID)
	admin.POST("/mail/jobs/:id/retry", middlewares.RequireCSRF(), adminJobsHandler.Retry)
	admin.POST("/mail/jobs/reprocess-dead", middlewares.RequireCSRF(), adminJobsHandler.ReprocessDead)

	return r
}
