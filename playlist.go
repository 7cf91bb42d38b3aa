package hlsfetch

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/grafov/m3u8"
)

// PlaylistType distinguishes growing (event) from fixed (vod) playlists.
type PlaylistType int

const (
	PlaylistTypeVOD PlaylistType = iota
	PlaylistTypeEvent
)

// MediaItem is one segment of a parsed playlist. Items are ordered by start
// time and adjacent items are contiguous.
type MediaItem struct {
	URI      string
	Start    time.Duration
	End      time.Duration
	Duration time.Duration

	RangeStart int64
	RangeEnd   int64

	KeyURI string
	IV     []byte
}

// Playlist is the parsed M3U8 state.
type Playlist struct {
	URI            string
	Type           PlaylistType
	TargetDuration time.Duration
	TotalDuration  time.Duration
	Complete       bool
	Items          []MediaItem
}

// Live reports whether the playlist grows over time.
func (p *Playlist) Live() bool {
	return p.Type == PlaylistTypeEvent
}

// PlaylistModel is the thread-safe M3U8 state shared between the streaming
// task and caller threads. All accessors take a snapshot under the model
// lock; the model never performs I/O.
type PlaylistModel struct {
	mu       sync.Mutex
	playlist Playlist
	cursor   int
	raw      []byte
}

// NewPlaylistModel creates an empty model. It is populated by the first
// Load and replaced on refresh.
func NewPlaylistModel() *PlaylistModel {
	return &PlaylistModel{}
}

// Load validates raw as UTF-8, parses it and atomically replaces the
// internal playlist when the parse yields a complete playlist. On
// ErrPlaylistIncomplete the previous playlist is preserved; on ErrInvalidUTF8
// no state is mutated at all.
func (m *PlaylistModel) Load(baseURI string, raw []byte) error {
	if !utf8.Valid(raw) {
		return ErrInvalidUTF8
	}

	parsed, err := parsePlaylist(baseURI, raw)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.raw = append([]byte(nil), raw...)

	if !parsed.Complete {
		return ErrPlaylistIncomplete
	}

	m.playlist = *parsed
	if m.cursor > len(m.playlist.Items) {
		m.cursor = len(m.playlist.Items)
	}
	return nil
}

// CurrentFragment returns a snapshot of the item at the cursor, or nil when
// the playlist is exhausted.
func (m *PlaylistModel) CurrentFragment() *Fragment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fragmentAtLocked(m.cursor)
}

// FragmentAt returns a snapshot of the item at an absolute index, or nil
// when the index is out of range.
func (m *PlaylistModel) FragmentAt(index int) *Fragment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fragmentAtLocked(index)
}

func (m *PlaylistModel) fragmentAtLocked(index int) *Fragment {
	if index < 0 || index >= len(m.playlist.Items) {
		return nil
	}
	item := m.playlist.Items[index]
	frag := newFragment(item.URI)
	frag.Start = item.Start
	frag.Stop = item.End
	frag.Duration = item.Duration
	frag.RangeStart = item.RangeStart
	frag.RangeEnd = item.RangeEnd
	frag.KeyURI = item.KeyURI
	if item.IV != nil {
		frag.IV = append([]byte(nil), item.IV...)
	}
	return frag
}

// Advance moves the cursor to the next item, saturating at the playlist end.
func (m *PlaylistModel) Advance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor < len(m.playlist.Items) {
		m.cursor++
	}
}

// SeekTo sets the cursor to the item containing target. Returns false and
// leaves the cursor unchanged when target lies at or beyond the total duration;
// callers treat that as past-end and drive end-of-playlist.
func (m *PlaylistModel) SeekTo(target time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, item := range m.playlist.Items {
		if target >= item.Start && target < item.End {
			m.cursor = i
			return true
		}
	}
	return false
}

// SeekToEnd exhausts the cursor so the next loop iteration reports
// end-of-playlist.
func (m *PlaylistModel) SeekToEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = len(m.playlist.Items)
}

// Cursor returns the current item index.
func (m *PlaylistModel) Cursor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// Len returns the number of items.
func (m *PlaylistModel) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.playlist.Items)
}

// TotalDuration returns the playlist duration.
func (m *PlaylistModel) TotalDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playlist.TotalDuration
}

// TargetDuration returns the declared maximum segment duration.
func (m *PlaylistModel) TargetDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playlist.TargetDuration
}

// IsLive reports whether the playlist is an event playlist.
func (m *PlaylistModel) IsLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playlist.Live()
}

// URI returns the playlist source URI.
func (m *PlaylistModel) URI() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playlist.URI
}

// IsCachingAllowed reports whether fetches may be served from the HTTP cache.
// It always returns true; the playlist's own allow-cache directive is not
// read.
func (m *PlaylistModel) IsCachingAllowed() bool {
	return true
}

// RawPlaylist returns the last raw playlist bytes handed to Load.
func (m *PlaylistModel) RawPlaylist() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.raw...)
}

// parsePlaylist decodes an M3U8 document into the internal model, resolving
// segment and key URIs against base and accumulating start/end offsets.
func parsePlaylist(base string, raw []byte) (*Playlist, error) {
	decoded, listType, err := m3u8.Decode(*bytes.NewBuffer(raw), true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlaylistParse, err)
	}
	if listType == m3u8.MASTER {
		return nil, ErrMasterPlaylist
	}
	media, ok := decoded.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected playlist type", ErrPlaylistParse)
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base URI: %v", ErrPlaylistParse, err)
	}

	playlist := &Playlist{
		URI:            base,
		TargetDuration: time.Duration(media.TargetDuration * float64(time.Second)),
	}
	if media.MediaType == m3u8.EVENT {
		playlist.Type = PlaylistTypeEvent
	}

	currentKey := media.Key
	var offset time.Duration
	for _, segment := range media.Segments {
		if segment == nil {
			continue
		}
		if segment.Key != nil {
			currentKey = segment.Key
		}
		segmentURL, err := baseURL.Parse(segment.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid segment URI %q: %v", ErrPlaylistParse, segment.URI, err)
		}

		duration := time.Duration(segment.Duration * float64(time.Second))
		item := MediaItem{
			URI:        segmentURL.String(),
			Start:      offset,
			End:        offset + duration,
			Duration:   duration,
			RangeStart: -1,
			RangeEnd:   -1,
		}
		if segment.Limit > 0 {
			item.RangeStart = segment.Offset
			item.RangeEnd = segment.Offset + segment.Limit - 1
		}
		if currentKey != nil && strings.EqualFold(currentKey.Method, "AES-128") {
			keyURL, err := baseURL.Parse(currentKey.URI)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid key URI %q: %v", ErrPlaylistParse, currentKey.URI, err)
			}
			item.KeyURI = keyURL.String()
			if currentKey.IV != "" {
				iv, err := parseIV(currentKey.IV)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrPlaylistParse, err)
				}
				item.IV = iv
			}
		}
		playlist.Items = append(playlist.Items, item)
		offset += duration
	}

	playlist.TotalDuration = offset
	playlist.Complete = media.Closed || playlist.Type == PlaylistTypeEvent
	return playlist, nil
}

// parseIV decodes a "0x"-prefixed 128-bit hex initialization vector.
func parseIV(s string) ([]byte, error) {
	hexStr := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(hexStr) != 32 {
		return nil, fmt.Errorf("invalid IV length: %d", len(hexStr))
	}
	iv := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b, err := strconv.ParseUint(hexStr[i*2:(i+1)*2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid IV format: %w", err)
		}
		iv[i] = byte(b)
	}
	return iv, nil
}
