// Package storegin exposes the provider over HTTP for apps that gate
// their own surfaces on a backend session rather than embedding the kit.
package storegin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Rate limit bucket names.
const (
	RLPurchase = "store:purchase"
	RLRestore  = "store:restore"
)

// RateLimiter guards the mutating endpoints.
type RateLimiter interface {
	AllowNamed(bucket, key string) (bool, error)
}

// AllowNamed applies the limiter keyed by client IP. A nil limiter allows
// everything; limiter errors deny.
func AllowNamed(c *gin.Context, rl RateLimiter, bucket string) bool {
	if rl == nil {
		return true
	}
	ok, err := rl.AllowNamed(bucket, c.ClientIP())
	return err == nil && ok
}

// TooMany writes a 429 reply.
func TooMany(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
}

// BadRequest writes a 400 reply with a machine-readable code.
func BadRequest(c *gin.Context, code string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code})
}

// NotFound writes a 404 reply with a machine-readable code.
func NotFound(c *gin.Context, code string) {
	c.JSON(http.StatusNotFound, gin.H{"error": code})
}

// UpstreamErr writes a 502 reply with a machine-readable code.
func UpstreamErr(c *gin.Context, code string) {
	c.JSON(http.StatusBadGateway, gin.H{"error": code})
}
