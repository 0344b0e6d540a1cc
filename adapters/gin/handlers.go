package storegin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/open-rails/storekit/catalog"
	"github.com/open-rails/storekit/provider"
	"github.com/open-rails/storekit/purchase"
	"github.com/open-rails/storekit/status"
	"github.com/open-rails/storekit/verify"
)

// Register mounts the subscription endpoints on the router.
func Register(r gin.IRouter, p *provider.Provider, rl RateLimiter) {
	r.GET("/subscription/status", HandleStatusGET(p))
	r.GET("/subscription/products", HandleProductsGET(p))
	r.POST("/subscription/purchase", HandlePurchasePOST(p, rl))
	r.POST("/subscription/restore", HandleRestorePOST(p, rl))
}

// HandleStatusGET reports the current canonical subscription status.
func HandleStatusGET(p *provider.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, statusJSON(p.Status()))
	}
}

// HandleProductsGET lists catalog products with trial-aware pricing.
func HandleProductsGET(p *provider.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		products, err := p.FetchProducts(c.Request.Context())
		if err != nil {
			UpstreamErr(c, "fetch_failed")
			return
		}
		out := make([]gin.H, 0, len(products))
		for _, prod := range products {
			out = append(out, productJSON(prod))
		}
		c.JSON(http.StatusOK, gin.H{"products": out})
	}
}

// HandlePurchasePOST buys a product for the current user.
func HandlePurchasePOST(p *provider.Provider, rl RateLimiter) gin.HandlerFunc {
	type req struct {
		ProductID string `json:"product_id"`
	}
	return func(c *gin.Context) {
		if !AllowNamed(c, rl, RLPurchase) {
			TooMany(c)
			return
		}
		var body req
		if err := c.ShouldBindJSON(&body); err != nil || body.ProductID == "" {
			BadRequest(c, "missing_product_id")
			return
		}
		outcome, err := p.Purchase(c.Request.Context(), body.ProductID)
		if err != nil {
			var verr *verify.VerificationError
			switch {
			case errors.Is(err, purchase.ErrProductNotFound):
				NotFound(c, "product_not_found")
			case errors.As(err, &verr):
				UpstreamErr(c, "unverified_transaction")
			default:
				UpstreamErr(c, "purchase_failed")
			}
			return
		}
		reply := gin.H{"outcome": outcome.Kind.String()}
		if outcome.Grant != nil {
			reply["product_id"] = outcome.Grant.ProductID
			if outcome.Grant.ExpiresAt != nil {
				reply["expires_at"] = outcome.Grant.ExpiresAt.Format(time.RFC3339)
			}
		}
		c.JSON(http.StatusOK, reply)
	}
}

// HandleRestorePOST replays the user's purchase history.
func HandleRestorePOST(p *provider.Provider, rl RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !AllowNamed(c, rl, RLRestore) {
			TooMany(c)
			return
		}
		if err := p.RestorePurchases(c.Request.Context()); err != nil {
			UpstreamErr(c, "restore_failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func statusJSON(s status.SubscriptionStatus) gin.H {
	out := gin.H{"status": s.Kind.String()}
	if s.ExpiresAt != nil {
		out["expires_at"] = s.ExpiresAt.Format(time.RFC3339)
	}
	return out
}

func productJSON(p catalog.Product) gin.H {
	return gin.H{
		"id":                 p.ID,
		"display_name":       p.DisplayName,
		"display_price":      p.DisplayPrice,
		"details":            p.Details,
		"billing_recurrence": p.BillingRecurrence,
		"tier":               int(p.Tier),
	}
}
