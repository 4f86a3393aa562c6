package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"storefront-bot/internal/domain"
	"storefront-bot/internal/service"
)

const maxWebhookBody = 1 << 20

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "up"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	stats := s.health.Health(ctx)
	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, stats)
}

func (s *Server) handleWebhook(c *gin.Context) {
	provider := domain.Provider(c.Param("provider"))
	switch provider {
	case domain.ProviderMercadoPago, domain.ProviderStripe, domain.ProviderSimulated:
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.fulfillment.HandleWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		s.log.WithError(err).WithField("provider", provider).Warn("webhook rejected")
		s.fail(c, err)
		return
	}

	resp := gin.H{"received": true}
	switch {
	case result.Ignored:
		resp["ignored"] = true
	case result.Duplicate:
		resp["duplicate"] = true
	case result.Checkout != nil:
		resp["checkout_id"] = result.Checkout.ID
		resp["status"] = result.Checkout.Status
	}
	c.JSON(http.StatusOK, resp)
}

// Products

func (s *Server) handleListProducts(c *gin.Context) {
	if c.Query("recent") != "" {
		limit, _ := strconv.Atoi(c.Query("recent"))
		products, err := s.products.Recent(c.Request.Context(), limit)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"products": products, "count": len(products)})
		return
	}

	products, err := s.products.List(c.Request.Context(), service.ProductFilter{
		Region: c.Query("region"),
		Search: c.Query("q"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := gin.H{"products": products, "count": len(products)}
	if c.Query("counts") == "true" {
		counts, err := s.products.CountByRegion(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		resp["by_region"] = counts
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateProduct(c *gin.Context) {
	var p domain.Product
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, err)
		return
	}
	created, err := s.products.Create(c.Request.Context(), &p)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetProduct(c *gin.Context) {
	p, err := s.products.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdateProduct(c *gin.Context) {
	var patch service.ProductPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.products.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeleteProduct(c *gin.Context) {
	ok, err := s.products.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		s.fail(c, domain.ErrProductNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

// Coupons

func (s *Server) handleListCoupons(c *gin.Context) {
	coupons, err := s.coupons.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coupons": coupons, "count": len(coupons)})
}

func (s *Server) handleCreateCoupon(c *gin.Context) {
	var coupon domain.Coupon
	if err := c.ShouldBindJSON(&coupon); err != nil {
		badRequest(c, err)
		return
	}
	created, err := s.coupons.Create(c.Request.Context(), &coupon)
	if err != nil {
		if errors.Is(err, domain.ErrCouponExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleCouponStats(c *gin.Context) {
	stats, err := s.coupons.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetCoupon(c *gin.Context) {
	coupon, err := s.coupons.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, coupon)
}

func (s *Server) handleUpdateCoupon(c *gin.Context) {
	var patch service.CouponPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	coupon, err := s.coupons.Update(c.Request.Context(), c.Param("code"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, coupon)
}

func (s *Server) handleDeleteCoupon(c *gin.Context) {
	ok, err := s.coupons.Delete(c.Request.Context(), c.Param("code"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		s.fail(c, domain.ErrCouponNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

// Checkouts

func (s *Server) handleListCheckouts(c *gin.Context) {
	var (
		list []domain.Checkout
		err  error
	)
	if status := c.Query("status"); status != "" {
		st := domain.CheckoutStatus(status)
		if !st.Valid() {
			badRequest(c, errors.New("unknown status"))
			return
		}
		list, err = s.checkouts.GetCheckoutsByStatus(c.Request.Context(), st)
	} else {
		list, err = s.checkouts.GetAllCheckouts(c.Request.Context())
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkouts": list, "count": len(list)})
}

func (s *Server) handleCreateCheckout(c *gin.Context) {
	var req service.CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	checkout, err := s.checkouts.CreateCheckout(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, checkout)
}

func (s *Server) handleGetCheckout(c *gin.Context) {
	checkout, err := s.checkouts.GetCheckout(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

type quantityRequest struct {
	Quantity int `json:"quantity" binding:"required"`
}

func (s *Server) handleUpdateQuantity(c *gin.Context) {
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	checkout, err := s.checkouts.UpdateQuantity(c.Request.Context(), c.Param("id"), req.Quantity)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

type couponRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) handleApplyCoupon(c *gin.Context) {
	var req couponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	checkout, err := s.checkouts.ApplyCoupon(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

func (s *Server) handleRemoveCoupon(c *gin.Context) {
	checkout, err := s.checkouts.RemoveCoupon(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

type paymentRequest struct {
	Method domain.PaymentMethod `json:"method" binding:"required"`
}

func (s *Server) handleStartPayment(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	checkout, err := s.checkouts.StartPayment(c.Request.Context(), c.Param("id"), req.Method)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

func (s *Server) handleCheckPayment(c *gin.Context) {
	checkout, err := s.fulfillment.CheckAndFulfill(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

func (s *Server) handleCancelCheckout(c *gin.Context) {
	checkout, err := s.checkouts.CancelCheckout(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

func (s *Server) handleUserCheckouts(c *gin.Context) {
	status := domain.CheckoutStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		badRequest(c, errors.New("unknown status"))
		return
	}
	list, err := s.checkouts.GetUserCheckouts(c.Request.Context(), c.Param("userId"), status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkouts": list, "count": len(list)})
}

func (s *Server) handleActiveCheckout(c *gin.Context) {
	checkout, err := s.checkouts.GetActiveCheckout(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if checkout == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active checkout"})
		return
	}
	c.JSON(http.StatusOK, checkout)
}
