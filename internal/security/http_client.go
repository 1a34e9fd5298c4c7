package security

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// MaxRedirects is the number of redirects a guarded client follows.
const MaxRedirects = 5

// TLSConfig returns the client TLS settings: TLS 1.2 or newer, certificates
// always verified.
func TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	}
}

// NewHTTPClient returns a client whose connections and redirects pass
// guard. Environment proxies are not used: a proxy would make the dialed
// address differ from the target.
func NewHTTPClient(timeout time.Duration, guard *URLGuard) *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   guard.Control,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     TLSConfig(),
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			if err := guard.CheckURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect to %s refused: %w", req.URL.Redacted(), err)
			}
			return nil
		},
	}
}

// IsBlocked reports whether err comes from the guard refusing a target.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrBlockedAddress)
}
