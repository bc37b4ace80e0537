// ABOUTME: Constructs the SSRF-safe HTTP client used by the webhook task.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled.
package webhook

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// NewSafeClient returns an *http.Client that refuses private, loopback and
// link-local destinations and does not follow redirects.
func NewSafeClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}
