package server

import (
	"net/http"
	"time"

	"librarydesk/internal/auth"
	"librarydesk/internal/config"
	"librarydesk/internal/metrics"
	"librarydesk/internal/mw"
	"librarydesk/internal/service"
	"librarydesk/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps 是路由需要的全部协作者，测试里可以替换为内存实现。
type Deps struct {
	Accounts  accountService
	History   historyService
	Directory auth.Directory
	Store     ws.MessageStore
	Registry  *ws.Registry
	Limiter   *mw.RL
}

// SetupRouter 基于 Postgres 组装 service 层，再交给 NewRouter。
func SetupRouter(cfg config.Config, db *gorm.DB, reg *ws.Registry, lim *mw.RL) *gin.Engine {
	userSvc := service.NewUserService(db, cfg)
	msgSvc := service.NewMessageService(db)
	return NewRouter(cfg, Deps{
		Accounts:  userSvc,
		History:   msgSvc,
		Directory: userSvc,
		Store:     msgSvc,
		Registry:  reg,
		Limiter:   lim,
	})
}

// NewRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func NewRouter(cfg config.Config, d Deps) *gin.Engine {
	if d.Registry == nil {
		d.Registry = ws.NewRegistry()
	}
	if d.Limiter == nil {
		// 控制单个 IP+路由的速率，未配置时不限速
		limit := rate.Inf
		if cfg.RatePerSecond > 0 {
			limit = rate.Limit(cfg.RatePerSecond)
		}
		d.Limiter = mw.NewRateLimiter(limit, cfg.RateBurst, 2*time.Minute)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins...))
	r.Use(d.Limiter.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": d.Registry.Online()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	verifier := auth.NewVerifier(cfg.JWTSecret)
	h := NewHandler(d.Accounts, d.History, d.Registry)

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)
	api.GET("/public-users", h.ListPublicUsers)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(verifier, d.Directory))
	authed.GET("/messages", h.ListMessages)
	authed.GET("/users/:id/presence", h.Presence)

	framePolicy, err := ws.ParseFramePolicy(cfg.ChatFramePolicy)
	if err != nil {
		log.Warn().Err(err).Msg("falling back to frame policy drop")
	}
	storePolicy, err := ws.ParseStorePolicy(cfg.ChatStorePolicy)
	if err != nil {
		log.Warn().Err(err).Msg("falling back to store policy best_effort")
	}
	chat := ws.NewHandler(ws.Options{
		Verifier:    verifier,
		Directory:   d.Directory,
		Store:       d.Store,
		Registry:    d.Registry,
		FramePolicy: framePolicy,
		StorePolicy: storePolicy,
		SendBuffer:  cfg.ChatSendBuffer,
	})
	r.GET("/ws", chat.Serve())
	return r
}
