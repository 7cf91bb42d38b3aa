package hlsfetch

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"

	"github.com/strmlab/hlsfetch/utils"
)

const defaultUserAgent = "hlsfetch/1.0"

// newClient creates a configured resty client with robust error handling and caching.
func newClient(o Option) *resty.Client {
	client := resty.New()

	if o.Timeout > 0 {
		client.SetTimeout(o.Timeout)
	} else {
		client.SetTimeout(30 * time.Second)
	}

	if o.Proxy != "" {
		client.SetProxy(o.Proxy)
	}

	if o.Cookie != "" {
		cookieJar, err := utils.CookieJarFromFile(o.Cookie)
		if err != nil {
			panic("Failed to load cookie file: " + o.Cookie)
		}
		client.SetCookieJar(cookieJar)
	}

	if o.RetryCount > 0 {
		client.SetRetryCount(o.RetryCount)
		client.SetRetryWaitTime(1 * time.Second)
		client.SetRetryMaxWaitTime(10 * time.Second)

		// Don't retry on 4xx errors except rate limiting and timeouts;
		// 401/403/404 are handled by the fetch engine via playlist refresh.
		client.AddRetryCondition(func(r *resty.Response, _ error) bool {
			if r.StatusCode() >= 400 && r.StatusCode() < 500 {
				switch r.StatusCode() {
				case 408, 429:
					return true
				default:
					return false
				}
			}
			if r.StatusCode() == 304 {
				return false
			}
			return r.StatusCode() >= 500
		})
	}

	if o.Headers != nil {
		client.Header = utils.MergeHeader(client.Header, o.Headers)
	}

	userAgent := o.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	client.SetHeader("User-Agent", userAgent)

	if o.Debug {
		client.SetDebug(true)
	}

	// Cache bypass is decided per request from the refresh and allow-cache
	// arguments; see restyDownloader. The allow-cache value comes from
	// PlaylistModel.IsCachingAllowed, which is always true.
	if !o.NoCache {
		cachePath := filepath.Join(os.TempDir(), "hlsfetch_cache")
		cache := diskcache.New(cachePath)
		transport := httpcache.NewTransport(cache)
		client.SetTransport(transport)
	}

	client.SetHeader("Accept", "*/*")
	client.SetHeader("Connection", "keep-alive")

	return client
}
