// Package premiumgin exposes the entitlement state to HTTP feature code.
package premiumgin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/open-rails/premiumkit/premium"
)

// RateLimiter guards abuse-prone endpoints. Implemented by
// ratelimit/memory and ratelimit/redis.
type RateLimiter interface {
	AllowNamed(bucket, key string) (bool, error)
}

// RLPremiumRefresh is the rate-limit bucket for user-initiated refreshes.
const RLPremiumRefresh = "premium:refresh"

// HandleSubscriptionGET returns the published entitlement snapshot plus its
// display view.
func HandleSubscriptionGET(m *premium.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := m.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"subscription": snap.Subscription,
			"is_premium":   snap.IsPremium,
			"is_loading":   snap.IsLoading,
			"display":      m.FormatSubscription(),
		})
	}
}

// HandleSubscriptionRefreshPOST performs a user-initiated refresh: cache
// drop, direct fetch, re-evaluate, publish. Rate limited per client.
func HandleSubscriptionRefreshPOST(m *premium.Manager, rl RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl != nil {
			ok, err := rl.AllowNamed(RLPremiumRefresh, c.ClientIP())
			if err != nil || !ok {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_requests"})
				return
			}
		}
		if err := m.RefreshSubscription(c.Request.Context()); err != nil {
			// The manager already degraded to a safe published state.
			c.JSON(http.StatusBadGateway, gin.H{"error": "refresh_failed"})
			return
		}
		snap := m.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"ok":         true,
			"is_premium": snap.IsPremium,
		})
	}
}

// HandleFeatureAccessGET reports whether the named feature is available.
func HandleFeatureAccessGET(m *premium.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag := c.Param("feature")
		if tag == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_feature"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"feature": tag,
			"allowed": m.CanAccessFeature(tag),
		})
	}
}
