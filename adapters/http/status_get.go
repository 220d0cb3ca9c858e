package premiumhttp

import (
	"encoding/json"
	"net/http"

	"github.com/open-rails/premiumkit/premium"
)

// StatusHandler serves the published entitlement snapshot for hosts not
// using gin.
func StatusHandler(m *premium.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := m.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"subscription": snap.Subscription,
			"is_premium":   snap.IsPremium,
			"is_loading":   snap.IsLoading,
			"display":      m.FormatSubscription(),
		})
	})
}
