package hlsfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/strmlab/hlsfetch/utils"
)

// FetchResult classifies the outcome of a fetch attempt. Void means no
// attempt was made at all, distinct from Cancelled and Failed.
type FetchResult int

const (
	FetchVoid FetchResult = iota
	FetchCompleted
	FetchFailed
	FetchCancelled
)

func (r FetchResult) String() string {
	switch r {
	case FetchCompleted:
		return "completed"
	case FetchFailed:
		return "failed"
	case FetchCancelled:
		return "cancelled"
	default:
		return "void"
	}
}

// Segment is the downstream segment descriptor adjusted across seeks so byte
// accounting restarts cleanly after a flush.
type Segment struct {
	Rate     float64
	Start    time.Duration
	Stop     time.Duration
	Position time.Duration
}

// DoSeek applies a seek to the descriptor.
func (s *Segment) DoSeek(rate float64, start, stop time.Duration) {
	if rate != 0 {
		s.Rate = rate
	}
	s.Start = start
	s.Stop = stop
	s.Position = start
}

// URIDownloader fetches named resources and media fragments. Implementations
// must make Cancel abort any in-flight fetch promptly and be safe to call
// from a thread other than the fetching one.
type URIDownloader interface {
	// Fetch retrieves uri into a fresh fragment.
	Fetch(uri, referrer string, compress, refresh, allowCache bool) (*Fragment, FetchResult, error)

	// FetchFragment retrieves frag's URI, honoring its byte range when set,
	// and fills the fragment's payload, timing and size fields.
	FetchFragment(frag *Fragment, referrer string, compress, refresh, allowCache bool) (FetchResult, error)

	// Cancel aborts the in-flight fetch, if any. Idempotent.
	Cancel()

	// Prepare warms the transport (DNS/TLS) for uri's host.
	Prepare(uri string)

	// Segment and SetSegment expose the downstream segment descriptor for
	// flush alignment during seeks.
	Segment() Segment
	SetSegment(Segment)
}

// restyDownloader is the resty-backed URIDownloader.
type restyDownloader struct {
	client    *resty.Client
	logger    *slog.Logger
	rateLimit int64
	progress  ProgressCallback

	mu      sync.Mutex
	cancel  context.CancelFunc
	segment Segment
}

// NewURIDownloader creates a downloader on top of a shared resty client.
func NewURIDownloader(client *resty.Client, logger *slog.Logger, o Option) URIDownloader {
	return &restyDownloader{
		client:    client,
		logger:    logger,
		rateLimit: o.RateLimit,
		segment:   Segment{Rate: 1.0},
	}
}

// SetProgressCallback installs a per-fragment byte progress callback.
func (d *restyDownloader) SetProgressCallback(cb ProgressCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progress = cb
}

func (d *restyDownloader) Fetch(uri, referrer string, compress, refresh, allowCache bool) (*Fragment, FetchResult, error) {
	frag := newFragment(uri)
	ret, err := d.FetchFragment(frag, referrer, compress, refresh, allowCache)
	return frag, ret, err
}

func (d *restyDownloader) FetchFragment(frag *Fragment, referrer string, compress, refresh, allowCache bool) (FetchResult, error) {
	if frag == nil {
		return FetchVoid, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	progress := d.progress
	d.mu.Unlock()
	defer cancel()

	frag.DownloadStart = time.Now()

	req := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if referrer != "" {
		req.SetHeader("Referer", referrer)
	}
	if compress {
		req.SetHeader("Accept-Encoding", "gzip, deflate")
	} else {
		req.SetHeader("Accept-Encoding", "identity")
	}
	if refresh || !allowCache {
		req.SetHeader("Cache-Control", "no-cache")
	}
	if frag.HasRange() {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-%d", frag.RangeStart, frag.RangeEnd))
	}

	resp, err := req.Get(frag.URI)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			d.logger.Debug("Fetch cancelled", "uri", frag.URI)
			return FetchCancelled, nil
		}
		kind := FetchErrGeneric
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			kind = FetchErrTimeout
		}
		return FetchFailed, &FetchError{Kind: kind, URI: frag.URI, Err: err}
	}
	defer resp.RawBody().Close()

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusUnauthorized, http.StatusForbidden:
		return FetchFailed, &FetchError{Kind: FetchErrNotAuthorized, URI: frag.URI,
			Err: fmt.Errorf("HTTP error: %s", resp.Status())}
	case http.StatusNotFound:
		return FetchFailed, &FetchError{Kind: FetchErrNotFound, URI: frag.URI,
			Err: fmt.Errorf("HTTP error: %s", resp.Status())}
	default:
		return FetchFailed, &FetchError{Kind: FetchErrGeneric, URI: frag.URI,
			Err: fmt.Errorf("HTTP error: %s", resp.Status())}
	}

	var body io.Reader = resp.RawBody()
	if d.rateLimit > 0 {
		body = utils.NewRateLimiter(body, d.rateLimit)
	}
	if progress != nil {
		tracker := NewProgress(resp.RawResponse.ContentLength, frag.URI)
		tracker.SetCallback(progress)
		body = tracker.NewReader(body)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			d.logger.Debug("Fetch cancelled mid-body", "uri", frag.URI)
			return FetchCancelled, nil
		}
		return FetchFailed, &FetchError{Kind: FetchErrGeneric, URI: frag.URI,
			Err: fmt.Errorf("failed to read body: %w", err)}
	}

	frag.Payload = data
	frag.Size = int64(len(data))
	frag.DownloadStop = time.Now()
	frag.Completed = true
	d.logger.Debug("Fetch completed", "uri", frag.URI, "size", frag.Size,
		"took", frag.DownloadTime())
	return FetchCompleted, nil
}

func (d *restyDownloader) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *restyDownloader) Prepare(uri string) {
	// Best effort transport warm-up; errors only matter to the real fetch.
	go func() {
		if _, err := d.client.R().Head(uri); err != nil {
			d.logger.Debug("Transport warm-up failed", "uri", uri, "error", err)
		}
	}()
}

func (d *restyDownloader) Segment() Segment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.segment
}

func (d *restyDownloader) SetSegment(s Segment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.segment = s
}
