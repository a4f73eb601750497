// Package tenant resolves the upstream credentials a session is bound to.
// Resolution is a pure function over per-request header values and
// deployment-wide defaults; it runs exactly once per handshake and the
// result is immutable for the session's lifetime.
package tenant

import "errors"

// Header names carrying per-request tenant credentials.
const (
	URLHeader = "X-N8n-Url"
	KeyHeader = "X-N8n-Key"
)

// ErrMissingCredentials indicates that neither the request headers nor the
// deployment defaults yielded both required values. It is a configuration
// error: the request fails, the process does not.
var ErrMissingCredentials = errors.New("missing upstream credentials: provide X-N8n-Url and X-N8n-Key headers or configure deployment defaults")

// Credentials scope all upstream operations performed within one session.
type Credentials struct {
	// BaseURL of the upstream n8n instance, e.g. "https://n8n.example.com".
	BaseURL string `json:"url"`
	// APIKey sent as X-N8N-API-KEY on every upstream call.
	APIKey string `json:"key"`
}

// Resolve produces the credentials to bind to a new session. Header values
// win per-field over defaults. If either resolved field is empty the
// handshake must be rejected before any transport is built.
func Resolve(headerURL, headerKey string, defaults Credentials) (Credentials, error) {
	creds := Credentials{BaseURL: headerURL, APIKey: headerKey}
	if creds.BaseURL == "" {
		creds.BaseURL = defaults.BaseURL
	}
	if creds.APIKey == "" {
		creds.APIKey = defaults.APIKey
	}
	if creds.BaseURL == "" || creds.APIKey == "" {
		return Credentials{}, ErrMissingCredentials
	}
	return creds, nil
}
