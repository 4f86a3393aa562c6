package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"storefront-bot/internal/database"
	"storefront-bot/internal/service"
)

type Config struct {
	Addr        string
	CORSOrigins []string
	Production  bool
}

type Server struct {
	products    service.ProductService
	coupons     service.CouponService
	checkouts   service.CheckoutService
	fulfillment service.FulfillmentService
	health      database.HealthChecker
	log         logrus.FieldLogger
	router      *gin.Engine
	http        *http.Server
}

// NewServer wires the webhook receivers and the JSON API. health may be nil.
func NewServer(
	cfg Config,
	products service.ProductService,
	coupons service.CouponService,
	checkouts service.CheckoutService,
	fulfillment service.FulfillmentService,
	health database.HealthChecker,
	log logrus.FieldLogger,
) *Server {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	corsCfg := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 || (len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	}
	router.Use(cors.New(corsCfg))

	s := &Server{
		products:    products,
		coupons:     coupons,
		checkouts:   checkouts,
		fulfillment: fulfillment,
		health:      health,
		log:         log,
		router:      router,
	}

	router.GET("/health", s.handleHealth)

	webhooks := router.Group("/webhook")
	{
		webhooks.POST("/:provider", s.handleWebhook)
	}

	api := router.Group("/api")
	{
		api.GET("/products", s.handleListProducts)
		api.POST("/products", s.handleCreateProduct)
		api.GET("/products/:id", s.handleGetProduct)
		api.PATCH("/products/:id", s.handleUpdateProduct)
		api.DELETE("/products/:id", s.handleDeleteProduct)

		api.GET("/coupons", s.handleListCoupons)
		api.POST("/coupons", s.handleCreateCoupon)
		api.GET("/coupons/stats", s.handleCouponStats)
		api.GET("/coupons/:code", s.handleGetCoupon)
		api.PATCH("/coupons/:code", s.handleUpdateCoupon)
		api.DELETE("/coupons/:code", s.handleDeleteCoupon)

		api.GET("/checkouts", s.handleListCheckouts)
		api.POST("/checkouts", s.handleCreateCheckout)
		api.GET("/checkouts/:id", s.handleGetCheckout)
		api.PATCH("/checkouts/:id/quantity", s.handleUpdateQuantity)
		api.POST("/checkouts/:id/coupon", s.handleApplyCoupon)
		api.DELETE("/checkouts/:id/coupon", s.handleRemoveCoupon)
		api.POST("/checkouts/:id/payment", s.handleStartPayment)
		api.POST("/checkouts/:id/payment/check", s.handleCheckPayment)
		api.POST("/checkouts/:id/cancel", s.handleCancelCheckout)

		api.GET("/users/:userId/checkouts", s.handleUserCheckouts)
		api.GET("/users/:userId/checkouts/active", s.handleActiveCheckout)
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.http.Addr).Info("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("http request")
	}
}
