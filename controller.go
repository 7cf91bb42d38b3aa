package hlsfetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// SinkContentType is the only content type accepted on the sink.
const SinkContentType = "application/x-hls"

// SrcPadName is the name of the sometimes source pad exposed once the
// first playlist has been loaded.
const SrcPadName = "src_0"

// State is the controller lifecycle state.
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "null"
	}
}

// SeekFormat is the unit of a seek request. Only time is supported.
type SeekFormat int

const (
	FormatTime SeekFormat = iota
	FormatBytes
)

// SeekFlags modify seek behavior.
type SeekFlags int

const (
	SeekFlagNone  SeekFlags = 0
	SeekFlagFlush SeekFlags = 1 << 0
)

// SeekType says how a seek boundary is interpreted.
type SeekType int

const (
	SeekTypeNone SeekType = iota
	SeekTypeSet
	SeekTypeEnd
)

// URIQueryResult answers the upstream URI query, possibly carrying a
// redirect target.
type URIQueryResult struct {
	URI       string
	Redirect  string
	Permanent bool
}

// LocationQuery asks the upstream source for the resolved playlist URI.
type LocationQuery func() (URIQueryResult, bool)

// Controller owns the HLS client: it accumulates the initial playlist from
// the sink, loads the model, exposes the downstream byte stream and
// coordinates the fetch engine across lifecycle, seek and query handling.
type Controller struct {
	option Option
	logger *slog.Logger
	client *resty.Client

	model              *PlaylistModel
	queue              *ByteQueue
	downloader         URIDownloader
	playlistDownloader URIDownloader
	engine             *FetchEngine
	bus                *Bus

	mu            sync.Mutex
	state         State
	playlistBuf   bytes.Buffer
	srcLinked     bool
	locationQuery LocationQuery
}

// New creates a controller in the Null state.
func New(opts ...Option) *Controller {
	option := *DefaultOptions
	for _, o := range opts {
		option.Combine(o)
	}

	logger := newLogger(option)
	client := newClient(option)
	model := NewPlaylistModel()
	queue := NewByteQueue()
	bus := NewBus()

	c := &Controller{
		option:             option,
		logger:             logger,
		client:             client,
		model:              model,
		queue:              queue,
		downloader:         NewURIDownloader(client, logger, option),
		playlistDownloader: NewURIDownloader(client, logger, option),
		bus:                bus,
	}
	c.engine = NewFetchEngine(logger, model, c.downloader, queue, optionHints{option}, bus)
	c.engine.SetRefreshFunc(c.refreshPlaylist)
	return c
}

// Bus returns the message bus for statistics and element errors.
func (c *Controller) Bus() *Bus { return c.bus }

// Model returns the playlist model.
func (c *Controller) Model() *PlaylistModel { return c.model }

// Engine returns the fetch engine.
func (c *Controller) Engine() *FetchEngine { return c.engine }

// SrcReader returns the downstream byte stream (the src_0 pad).
func (c *Controller) SrcReader() io.Reader { return c.queue }

// SetLocationQuery installs the upstream URI query. It is required before
// the initial playlist EOS: without it SinkEOS posts an error and the
// playlist is not loaded.
func (c *Controller) SetLocationQuery(q LocationQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locationQuery = q
}

// SetPositionQuery installs the downstream playback position query used by
// the engine's buffer-ahead gate.
func (c *Controller) SetPositionQuery(q PositionQuery) {
	c.engine.SetPositionQuery(q)
}

// SetProgressCallback installs a per-fragment download progress callback.
func (c *Controller) SetProgressCallback(cb ProgressCallback) {
	if rd, ok := c.downloader.(*restyDownloader); ok {
		rd.SetProgressCallback(cb)
	}
}

// SetState walks the lifecycle to target, one transition at a time.
func (c *Controller) SetState(target State) error {
	c.mu.Lock()
	current := c.state
	c.mu.Unlock()

	for current != target {
		var next State
		if target > current {
			next = current + 1
		} else {
			next = current - 1
		}
		if err := c.transition(current, next); err != nil {
			return err
		}
		current = next
		c.mu.Lock()
		c.state = current
		c.mu.Unlock()
	}
	return nil
}

// CurrentState returns the lifecycle state.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) transition(from, to State) error {
	c.logger.Debug("Performing transition", "from", from, "to", to)
	switch {
	case from == StateNull && to == StateReady:
		c.reset()
	case from == StateReady && to == StatePaused:
		c.engine.Start()
	case from == StatePaused && to == StatePlaying:
		c.engine.Restart()
	case from == StatePlaying && to == StatePaused:
		// Nothing to do; the engine keeps buffering.
	case from == StatePaused && to == StateReady:
		c.engine.Pause()
	case from == StateReady && to == StateNull:
		c.engine.Stop()
	default:
		return fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	return nil
}

// reset re-arms the element for a fresh Null→Ready cycle: engine counters
// cleared, playlist accumulator dropped, source pad unlinked and the queue
// emptied with no size limits.
func (c *Controller) reset() {
	c.engine.Reset()
	c.mu.Lock()
	c.playlistBuf.Reset()
	c.srcLinked = false
	c.mu.Unlock()
	c.engine.SetSrcLinked(false)
	c.queue.FlushStart()
	c.queue.FlushStop()
}

// SinkData accepts a chunk of the initial playlist byte stream.
func (c *Controller) SinkData(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.playlistBuf.Write(data)
	return err
}

// SinkSegmentEvent swallows upstream segment events; the element pushes its
// own segments downstream.
func (c *Controller) SinkSegmentEvent() {}

// SinkEOS finishes the initial playlist: resolve the URI upstream
// (honoring permanent redirects only), load the model, warm both
// downloaders and link the source pad.
func (c *Controller) SinkEOS() {
	downloadStop := time.Now()

	c.mu.Lock()
	query := c.locationQuery
	raw := append([]byte(nil), c.playlistBuf.Bytes()...)
	c.mu.Unlock()

	if query == nil {
		c.bus.Post(ErrorMessage{Domain: DomainResourceNotFound,
			Err: errors.New("failed querying the playlist URI")})
		return
	}
	res, ok := query()
	if !ok {
		c.bus.Post(ErrorMessage{Domain: DomainResourceNotFound,
			Err: errors.New("failed querying the playlist URI")})
		return
	}
	uri := res.URI
	// Only use the redirect target for permanent redirects.
	if res.Permanent && res.Redirect != "" {
		uri = res.Redirect
	}
	c.logger.Info("M3U8 location", "uri", uri)

	if err := c.model.Load(uri, raw); err != nil {
		c.bus.Post(ErrorMessage{Domain: DomainStreamDecode,
			Err: fmt.Errorf("invalid M3U8 playlist: %w", err)})
		return
	}

	c.bus.Post(newManifestStats(downloadStop))

	if !c.model.IsLive() {
		if duration := c.model.TotalDuration(); duration > 0 {
			c.bus.Post(DurationChangedMessage{Duration: duration})
		} else {
			c.logger.Error("Playlist duration has invalid value, not posting message")
		}
	}

	// Make sure the transports are ready asap.
	c.downloader.Prepare(uri)
	c.playlistDownloader.Prepare(uri)

	c.linkPads()
	c.logger.Debug("Finished setting up playlist")
}

// linkPads activates the downstream byte stream once a playlist is loaded.
func (c *Controller) linkPads() {
	c.mu.Lock()
	c.srcLinked = true
	c.mu.Unlock()
	c.engine.SetSrcLinked(true)
	c.logger.Debug("Added src pad", "name", SrcPadName)
}

// Seek repositions the stream. Rejected on live streams and non-time
// formats. The engine task is paused for the whole reseat and restarted at
// the end; with SeekFlagFlush the queue is flushed between cancel and
// restart so downstream never sees bytes straddling the seek.
func (c *Controller) Seek(rate float64, format SeekFormat, flags SeekFlags,
	startType SeekType, start time.Duration, stopType SeekType, stop time.Duration) error {

	if c.model.IsLive() {
		c.logger.Warn("Received seek event for live stream")
		return fmt.Errorf("%w: live stream", ErrSeekRejected)
	}
	if format != FormatTime {
		c.logger.Warn("Received seek event not in time format")
		return fmt.Errorf("%w: format not supported", ErrSeekRejected)
	}

	duration := c.model.TotalDuration()
	target := resolveSeekBoundary(startType, start, duration)
	stopTarget := resolveSeekBoundary(stopType, stop, duration)

	c.logger.Debug("Seek", "rate", rate, "start", target, "stop", stopTarget)

	// Block until the streaming task iteration has returned; the in-flight
	// download is cancelled.
	c.engine.Pause()

	if !c.model.SeekTo(target) {
		// Past the end: park the cursor so the engine drives EOS.
		c.model.SeekToEnd()
	}
	c.engine.ResetRetries()

	segment := c.downloader.Segment()
	segment.DoSeek(rate, target, stopTarget)
	c.downloader.SetSegment(segment)

	if flags&SeekFlagFlush != 0 {
		c.logger.Debug("Sending flush start")
		c.queue.FlushStart()
		c.logger.Debug("Sending flush stop")
		c.queue.FlushStop()
	}

	c.logger.Debug("Restarting streaming task")
	c.engine.Start()
	return nil
}

func resolveSeekBoundary(t SeekType, value, duration time.Duration) time.Duration {
	switch t {
	case SeekTypeSet:
		return value
	case SeekTypeEnd:
		return duration + value
	default:
		return 0
	}
}

// Duration answers the TIME duration query; ok iff the duration is known
// and positive.
func (c *Controller) Duration() (time.Duration, bool) {
	duration := c.model.TotalDuration()
	return duration, duration > 0
}

// URI answers the URI query with the current playlist URI.
func (c *Controller) URI() string {
	return c.model.URI()
}

// Seeking answers the TIME seeking query: seekable iff not live, with the
// range [0, total duration].
func (c *Controller) Seeking() (seekable bool, start, end time.Duration) {
	duration := c.model.TotalDuration()
	if duration <= 0 {
		return false, 0, 0
	}
	return !c.model.IsLive(), 0, duration
}

// refreshPlaylist re-fetches the current playlist with the playlist
// downloader (compressed, cache bypassed) and reloads the model. Called by
// the fetch engine on 401/403/404 and safe on the streaming task.
func (c *Controller) refreshPlaylist() bool {
	current := c.model.URI()
	if current == "" {
		return false
	}

	frag := newFragment(current)
	frag.Start = 0
	frag.Stop = c.model.TotalDuration()

	ret, err := c.playlistDownloader.FetchFragment(frag,
		current, // referrer
		true,    // compress (good for playlists)
		true,    // refresh (wipe out cached copy)
		c.model.IsCachingAllowed(),
	)

	switch ret {
	case FetchCompleted:
		c.bus.Post(newPlaylistStats(frag.DownloadTime()))
		if loadErr := c.model.Load(current, frag.Payload); loadErr != nil {
			if errors.Is(loadErr, ErrPlaylistIncomplete) {
				// The server may still be appending; retried on the next
				// refresh round.
				c.logger.Warn("Refreshed playlist still incomplete")
				return false
			}
			c.bus.Post(ErrorMessage{Domain: DomainStreamDecode,
				Err: fmt.Errorf("invalid playlist: %w", loadErr)})
			return false
		}
		return true
	default:
		if err != nil {
			c.logger.Error("Error updating playlist", "error", err)
		}
		return false
	}
}
