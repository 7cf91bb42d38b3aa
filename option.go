package hlsfetch

import (
	"net/http"
	"time"
)

// Option contains configuration options for the HLS client.
type Option struct {
	// Cookie specifies the cookie file path for authentication
	Cookie string

	// Headers specifies custom HTTP headers applied to every request
	Headers http.Header

	// UserAgent specifies custom user agent
	UserAgent string

	// Proxy specifies proxy URL (e.g., "http://127.0.0.1:8080")
	Proxy string

	// RetryCount specifies number of transport-level retry attempts
	RetryCount int

	// Timeout specifies request timeout
	Timeout time.Duration

	// RateLimit limits fragment read speed in bytes per second (0 = unlimited)
	RateLimit int64

	// MaxBufferDuration bounds how much media time the engine may prefetch
	// beyond the current playback position
	MaxBufferDuration time.Duration

	// NoCache disables the HTTP disk cache
	NoCache bool

	// Debug enables debug logging
	Debug bool

	// Verbose enables verbose output
	Verbose bool

	// Silent suppresses all output except errors
	Silent bool
}

// DefaultOptions holds the default option values.
var DefaultOptions = &Option{
	Timeout:           30 * time.Second,
	RetryCount:        3,
	MaxBufferDuration: defaultBufferDuration,
}

// Combine merges non-zero fields of other into o.
func (o *Option) Combine(other Option) {
	if other.Cookie != "" {
		o.Cookie = other.Cookie
	}
	if other.Headers != nil {
		o.Headers = other.Headers
	}
	if other.UserAgent != "" {
		o.UserAgent = other.UserAgent
	}
	if other.Proxy != "" {
		o.Proxy = other.Proxy
	}
	if other.RetryCount > 0 {
		o.RetryCount = other.RetryCount
	}
	if other.Timeout > 0 {
		o.Timeout = other.Timeout
	}
	if other.RateLimit > 0 {
		o.RateLimit = other.RateLimit
	}
	if other.MaxBufferDuration > 0 {
		o.MaxBufferDuration = other.MaxBufferDuration
	}
	if other.NoCache {
		o.NoCache = true
	}
	if other.Debug {
		o.Debug = true
	}
	if other.Verbose {
		o.Verbose = true
	}
	if other.Silent {
		o.Silent = true
	}
}

// MaxBufferDurationOrDefault returns the configured buffer-ahead bound,
// falling back to the 30 second default.
func (o *Option) MaxBufferDurationOrDefault() time.Duration {
	if o.MaxBufferDuration > 0 {
		return o.MaxBufferDuration
	}
	return defaultBufferDuration
}
