package hlsfetch

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	retryTimeBase         = 500 * time.Millisecond
	retryThreshold        = 6 // switch from constant to exponential backoff
	retryMax              = 60 * time.Second
	defaultBufferDuration = 30 * time.Second
)

// EngineState is the fetch engine's protocol state. Exactly one holds at a
// time per engine instance.
type EngineState int

const (
	EngineIdle EngineState = iota
	EngineFetching
	EngineWaiting
	EngineRetrying
	EnginePaused
	EngineEndOfPlaylist
	EngineError
)

func (s EngineState) String() string {
	switch s {
	case EngineFetching:
		return "fetching"
	case EngineWaiting:
		return "waiting"
	case EngineRetrying:
		return "retrying"
	case EnginePaused:
		return "paused"
	case EngineEndOfPlaylist:
		return "end-of-playlist"
	case EngineError:
		return "error"
	default:
		return "idle"
	}
}

// ParentHints exposes the containing pipeline's buffering bound.
type ParentHints interface {
	MaxBufferDuration() time.Duration
}

// optionHints derives the buffering bound from Options.
type optionHints struct{ o Option }

func (h optionHints) MaxBufferDuration() time.Duration {
	return h.o.MaxBufferDurationOrDefault()
}

// PositionQuery reports the downstream playback position. ok is false while
// the pipeline cannot answer, which disables the buffer-ahead gate.
type PositionQuery func() (time.Duration, bool)

// FetchEngine is the single-producer streaming task: it pulls the current
// fragment from the playlist model, fetches it, decrypts it when declared
// encrypted, and pushes the payload into the downstream queue, with
// exponential-backoff retries and a buffer-ahead gate against the playback
// position.
type FetchEngine struct {
	logger     *slog.Logger
	model      *PlaylistModel
	downloader URIDownloader
	decryptor  *Decryptor
	queue      *ByteQueue
	hints      ParentHints
	bus        *Bus

	// refresh re-fetches the playlist on 401/403/404; installed by the
	// controller.
	refresh func() bool

	task *streamTask

	mu                  sync.Mutex
	wake                chan struct{}
	continuing          bool
	position            time.Duration
	downloadFailedCount int
	state               EngineState
	srcLinked           bool

	positionQuery PositionQuery
}

// NewFetchEngine wires the engine to its collaborators. The decryptor's key
// fetches go through the same downloader as the fragments, serialized on the
// streaming task.
func NewFetchEngine(logger *slog.Logger, model *PlaylistModel, downloader URIDownloader,
	queue *ByteQueue, hints ParentHints, bus *Bus) *FetchEngine {
	e := &FetchEngine{
		logger:     logger,
		model:      model,
		downloader: downloader,
		queue:      queue,
		hints:      hints,
		bus:        bus,
		wake:       make(chan struct{}, 1),
		state:      EngineIdle,
	}
	e.decryptor = NewDecryptor(logger, e.fetchKey)
	e.task = newStreamTask(e.loop)
	return e
}

// SetRefreshFunc installs the playlist refresh hook.
func (e *FetchEngine) SetRefreshFunc(refresh func() bool) {
	e.refresh = refresh
}

// SetPositionQuery installs the downstream playback position query.
func (e *FetchEngine) SetPositionQuery(q PositionQuery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positionQuery = q
}

// SetSrcLinked marks the downstream source pad as linked; until then the
// loop idles.
func (e *FetchEngine) SetSrcLinked(linked bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.srcLinked = linked
}

// Position returns the start time of the most recently completed fragment.
func (e *FetchEngine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

// FailedCount returns the consecutive download failure count.
func (e *FetchEngine) FailedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.downloadFailedCount
}

// State returns the engine state.
func (e *FetchEngine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start begins or resumes the streaming task.
func (e *FetchEngine) Start() {
	e.setState(EngineFetching)
	e.task.Start()
}

// Pause schedules the task for pause, cancels the in-flight download and
// blocks until the current loop iteration has returned.
func (e *FetchEngine) Pause() {
	e.logger.Debug("Pausing streaming task")
	e.task.Pause()
	e.signalContinue()
	e.downloader.Cancel()
	e.task.WaitIteration()
	e.setState(EnginePaused)
	e.logger.Debug("Paused streaming task")
}

// Restart resumes a paused task, or escapes a backoff wait: a restart that
// finds the failure count at or past the threshold forces a pause, zeroes
// the count and starts over immediately.
func (e *FetchEngine) Restart() {
	if e.task.State() == taskPaused {
		e.Start()
		return
	}
	e.mu.Lock()
	escape := e.downloadFailedCount >= retryThreshold
	e.mu.Unlock()
	if escape {
		e.Pause()
		e.mu.Lock()
		e.downloadFailedCount = 0
		e.mu.Unlock()
		e.Start()
	}
}

// Stop joins the streaming task. The task must already be paused.
func (e *FetchEngine) Stop() {
	e.logger.Debug("Stopping streaming task")
	e.task.Stop()
	e.setState(EngineIdle)
}

// Reset clears position, failure count and the continue flag for a fresh
// state cycle. Seeks use ResetRetries instead.
func (e *FetchEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = 0
	e.downloadFailedCount = 0
	e.continuing = false
	e.state = EngineIdle
	select {
	case <-e.wake:
	default:
	}
}

// ResetRetries zeroes the failure counter (on seek).
func (e *FetchEngine) ResetRetries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downloadFailedCount = 0
}

// signalContinue is edge-triggered: it sets the continue flag and wakes any
// timed wait.
func (e *FetchEngine) signalContinue() {
	e.mu.Lock()
	e.continuing = true
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *FetchEngine) setState(s EngineState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// timeUntilRetry computes the backoff for the current failure count:
// constant below the threshold, then base*exp(k/threshold)/e capped at
// retryMax. Monotonic non-decreasing and bounded.
func (e *FetchEngine) timeUntilRetry() time.Duration {
	retryTimer := float64(retryTimeBase)
	if e.downloadFailedCount >= retryThreshold {
		power := float64(e.downloadFailedCount) / float64(retryThreshold)
		retryTimer = float64(retryTimeBase) * (math.Exp(power) / math.E)
		if retryTimer > float64(retryMax) {
			retryTimer = float64(retryMax)
		}
	}
	return time.Duration(retryTimer)
}

// waitInterruptible sleeps up to maxWait, returning early when the continue
// flag gets signalled.
func (e *FetchEngine) waitInterruptible(maxWait time.Duration) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	for {
		e.mu.Lock()
		if e.continuing {
			e.mu.Unlock()
			e.logger.Debug("Wait got interrupted")
			return
		}
		e.mu.Unlock()
		select {
		case <-e.wake:
			// re-check the flag
		case <-deadline.C:
			e.logger.Debug("Waiting timed out")
			return
		}
	}
}

// checkBufferAhead gates the next fetch against the downstream playback
// position. Returns false when the loop should restart without fetching.
func (e *FetchEngine) checkBufferAhead() bool {
	e.mu.Lock()
	if !e.srcLinked {
		e.mu.Unlock()
		// No downstream yet, just yield briefly before trying again.
		time.Sleep(100 * time.Microsecond)
		return false
	}
	if e.continuing {
		e.mu.Unlock()
		return true
	}
	query := e.positionQuery
	enginePos := e.position
	e.mu.Unlock()

	if query == nil {
		return true
	}
	pos, ok := query()
	if !ok {
		// Unknown playhead: keep buffering.
		return true
	}
	maxBuffer := e.hints.MaxBufferDuration()

	if pos >= 2*retryTimeBase && enginePos > pos+maxBuffer {
		maxWait := enginePos - pos - maxBuffer
		e.logger.Debug("Preloaded enough, waiting", "engine-position", enginePos,
			"playback-position", pos, "wait", maxWait)
		e.setState(EngineWaiting)
		e.waitInterruptible(maxWait)
		return false
	}
	return true
}

// fetchKey loads an encryption key resource: never ranged, never compressed,
// caching per the playlist directive.
func (e *FetchEngine) fetchKey(uri string) ([]byte, error) {
	frag, ret, err := e.downloader.Fetch(uri, e.model.URI(), false, false, e.model.IsCachingAllowed())
	if err != nil {
		return nil, err
	}
	if ret != FetchCompleted {
		return nil, &FetchError{Kind: FetchErrGeneric, URI: uri,
			Err: fmt.Errorf("key fetch %s", ret)}
	}
	return frag.Payload, nil
}

// handleEndOfPlaylist pauses the task and propagates EOS downstream.
func (e *FetchEngine) handleEndOfPlaylist() {
	e.logger.Debug("Reached end of playlist, sending EOS")
	e.mu.Lock()
	e.position = 0
	e.state = EngineEndOfPlaylist
	e.mu.Unlock()
	e.task.Pause()
	e.queue.PushEOS()
}

// fatalError posts an element error and parks the task.
func (e *FetchEngine) fatalError(domain ErrorDomain, err error) {
	e.logger.Error("Fatal streaming error", "error", err)
	e.bus.Post(ErrorMessage{Domain: domain, Err: err})
	e.setState(EngineError)
	e.task.Pause()
}

// loop is one iteration of the streaming task.
func (e *FetchEngine) loop() {
	e.logger.Debug("Entering stream loop", "queue-level", e.queue.Level())

	if !e.checkBufferAhead() {
		return
	}

	e.setState(EngineFetching)

	referrer := e.model.URI()
	frag := e.model.CurrentFragment()

	var (
		ret             = FetchVoid
		err             error
		playlistRefresh bool
	)
	if frag != nil {
		e.logger.Debug("Fetching next fragment", "uri", frag.URI,
			"range-start", frag.RangeStart, "range-end", frag.RangeEnd)
		ret, err = e.downloader.FetchFragment(frag, referrer, false, false, e.model.IsCachingAllowed())
	} else {
		e.logger.Info("Playlist contains no more fragments")
	}

	switch ret {
	case FetchVoid:
		e.handleEndOfPlaylist()

	case FetchCancelled:
		e.logger.Debug("Fragment fetch cancelled on purpose")

	case FetchFailed:
		e.mu.Lock()
		e.downloadFailedCount++
		failed := e.downloadFailedCount
		e.mu.Unlock()
		e.logger.Info("Fragment fetch failed", "error", err, "failed-count", failed)
		// Only a 401/403/404 means the playlist may have rotated
		// underneath us; refresh it and skip this round's backoff.
		if IsRefreshTrigger(err) && e.refresh != nil {
			e.logger.Debug("Refreshing playlist after authorization/not-found error")
			e.refresh()
			playlistRefresh = true
		}

	case FetchCompleted:
		payload := frag.Payload
		if frag.Encrypted() {
			payload, err = e.decryptor.DecryptFragment(frag)
			if err != nil {
				var derr *DecryptError
				if errors.As(err, &derr) {
					e.fatalError(DomainStreamDecrypt, err)
					return
				}
				// The key fetch itself failed; treat like a fragment
				// fetch failure.
				e.mu.Lock()
				e.downloadFailedCount++
				e.mu.Unlock()
				break
			}
		}
		if pushErr := e.queue.Push(payload); pushErr != nil {
			e.logger.Info("Queue rejected payload, ending stream", "error", pushErr)
			e.handleEndOfPlaylist()
			return
		}
		e.bus.Post(newFragmentStats(frag.DownloadTime(), frag.Size))
		e.mu.Lock()
		e.position = frag.Start
		e.downloadFailedCount = 0
		e.continuing = false
		e.mu.Unlock()
		e.model.Advance()
	}

	if err != nil && !playlistRefresh {
		e.mu.Lock()
		wait := e.timeUntilRetry()
		e.state = EngineRetrying
		e.mu.Unlock()
		e.logger.Debug("Next retry scheduled", "in", wait)
		e.waitInterruptible(wait)
		// Retry right away on the next iteration.
		e.mu.Lock()
		e.continuing = true
		e.mu.Unlock()
	}
}
