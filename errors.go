package hlsfetch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidUTF8 is returned when playlist bytes are not valid UTF-8.
	ErrInvalidUTF8 = errors.New("playlist is not valid UTF-8")

	// ErrPlaylistIncomplete is returned for a non-event playlist without an
	// ENDLIST marker. The model keeps its previous playlist and cursor; only
	// the retained raw bytes are replaced.
	ErrPlaylistIncomplete = errors.New("playlist has no ENDLIST marker")

	// ErrPlaylistParse is returned when the playlist cannot be parsed.
	ErrPlaylistParse = errors.New("malformed playlist")

	// ErrMasterPlaylist is returned when a variant (master) playlist is
	// loaded; bitrate switching is not supported.
	ErrMasterPlaylist = errors.New("variant playlists are not supported")

	// ErrSeekRejected is returned for seeks on live streams and for seeks
	// in a format other than time.
	ErrSeekRejected = errors.New("seek rejected")

	// ErrQueueFlushing is returned by queue pushes while a flush is active.
	ErrQueueFlushing = errors.New("queue is flushing")

	// ErrQueueEOS is returned by queue pushes after end of stream.
	ErrQueueEOS = errors.New("queue is past end of stream")
)

// FetchErrorKind classifies fetch failures so the engine can tell
// authorization and existence problems apart from transient ones.
type FetchErrorKind int

const (
	FetchErrGeneric FetchErrorKind = iota
	FetchErrNotFound
	FetchErrNotAuthorized
	FetchErrTimeout
)

// FetchError is a failed fetch with its HTTP-level classification.
type FetchError struct {
	Kind FetchErrorKind
	URI  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsRefreshTrigger reports whether err is a 401/403/404-class fetch failure,
// which makes the engine refresh the playlist instead of backing off.
func IsRefreshTrigger(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == FetchErrNotFound || fe.Kind == FetchErrNotAuthorized
	}
	return false
}

// DecryptError is a fatal decryption failure (bad key length, misaligned
// ciphertext or invalid padding).
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string {
	return "decrypt: " + e.Reason
}
