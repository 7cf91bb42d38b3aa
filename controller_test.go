package hlsfetch

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testOption() Option {
	return Option{NoCache: true, Timeout: 5 * time.Second, Silent: true}
}

func locationFor(uri string) LocationQuery {
	return func() (URIQueryResult, bool) {
		return URIQueryResult{URI: uri}, true
	}
}

// startVODServer serves a 3x10s VOD playlist with plain segments.
func startVODServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	playlist := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:10.0,
a.ts
#EXTINF:10.0,
b.ts
#EXTINF:10.0,
c.ts
#EXT-X-ENDLIST
`
	mux.HandleFunc("/play.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(playlist))
	})
	for name, payload := range map[string]string{"a.ts": "AAA", "b.ts": "BBB", "c.ts": "CCC"} {
		payload := payload
		mux.HandleFunc("/"+name, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(payload))
		})
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// playToEOS loads the playlist into the controller and drives it to Playing.
func playToEOS(t *testing.T, c *Controller, playlistURI string, raw []byte) {
	t.Helper()
	c.SetLocationQuery(locationFor(playlistURI))
	if err := c.SetState(StateReady); err != nil {
		t.Fatalf("SetState(ready) error: %v", err)
	}
	if err := c.SinkData(raw); err != nil {
		t.Fatalf("SinkData error: %v", err)
	}
	c.SinkEOS()
	if c.URI() == "" {
		t.Fatal("playlist did not load")
	}
	if err := c.SetState(StatePlaying); err != nil {
		t.Fatalf("SetState(playing) error: %v", err)
	}
}

func fetchRaw(t *testing.T, uri string) []byte {
	t.Helper()
	resp, err := http.Get(uri)
	if err != nil {
		t.Fatalf("GET %s: %v", uri, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading %s: %v", uri, err)
	}
	return data
}

// TestControllerVODEndToEnd verifies the happy path: Ready→Playing, three
// fetches, concatenated bytes on the src pad and EOS, plus the queries.
func TestControllerVODEndToEnd(t *testing.T) {
	server := startVODServer(t)
	playlistURI := server.URL + "/play.m3u8"

	c := New(testOption())
	playToEOS(t, c, playlistURI, fetchRaw(t, playlistURI))

	data, err := io.ReadAll(c.SrcReader())
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if string(data) != "AAABBBCCC" {
		t.Errorf("stream = %q, want %q", data, "AAABBBCCC")
	}
	if got := c.Model().Cursor(); got != 3 {
		t.Errorf("cursor = %d, want 3", got)
	}

	if got, ok := c.Duration(); !ok || got != 30*time.Second {
		t.Errorf("Duration() = %v, %v; want 30s, true", got, ok)
	}
	if got := c.URI(); got != playlistURI {
		t.Errorf("URI() = %q, want %q", got, playlistURI)
	}
	seekable, start, end := c.Seeking()
	if !seekable || start != 0 || end != 30*time.Second {
		t.Errorf("Seeking() = %v, %v, %v; want true, 0, 30s", seekable, start, end)
	}

	var sawManifest, sawDuration bool
	for len(c.Bus().C) > 0 {
		switch m := (<-c.Bus().C).(type) {
		case StatsMessage:
			if _, ok := m.Fields["manifest-download-stop"]; ok {
				sawManifest = true
			}
		case DurationChangedMessage:
			sawDuration = m.Duration == 30*time.Second
		}
	}
	if !sawManifest {
		t.Error("no manifest-download-stop statistic posted")
	}
	if !sawDuration {
		t.Error("no duration-changed message posted")
	}

	if err := c.SetState(StateNull); err != nil {
		t.Fatalf("SetState(null) error: %v", err)
	}
}

// TestControllerSeek verifies the 15s seek in a 3x10s VOD: cursor reseats to
// item 1, the queue is flushed, and the restarted stream yields B||C.
func TestControllerSeek(t *testing.T) {
	server := startVODServer(t)
	playlistURI := server.URL + "/play.m3u8"

	c := New(testOption())
	playToEOS(t, c, playlistURI, fetchRaw(t, playlistURI))

	if _, err := io.ReadAll(c.SrcReader()); err != nil {
		t.Fatalf("first ReadAll error: %v", err)
	}

	err := c.Seek(1.0, FormatTime, SeekFlagFlush, SeekTypeSet, 15*time.Second, SeekTypeNone, 0)
	if err != nil {
		t.Fatalf("Seek error: %v", err)
	}

	data, err := io.ReadAll(c.SrcReader())
	if err != nil {
		t.Fatalf("second ReadAll error: %v", err)
	}
	if string(data) != "BBBCCC" {
		t.Errorf("stream after seek = %q, want %q", data, "BBBCCC")
	}

	seg := c.downloader.Segment()
	if seg.Start != 15*time.Second {
		t.Errorf("downloader segment start = %v, want 15s", seg.Start)
	}

	if err := c.SetState(StateNull); err != nil {
		t.Fatalf("SetState(null) error: %v", err)
	}
}

// TestControllerSeekPastEnd verifies a seek beyond the duration drives
// end-of-playlist instead of erroring.
func TestControllerSeekPastEnd(t *testing.T) {
	server := startVODServer(t)
	playlistURI := server.URL + "/play.m3u8"

	c := New(testOption())
	playToEOS(t, c, playlistURI, fetchRaw(t, playlistURI))
	if _, err := io.ReadAll(c.SrcReader()); err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}

	if err := c.Seek(1.0, FormatTime, SeekFlagFlush, SeekTypeSet, time.Hour, SeekTypeNone, 0); err != nil {
		t.Fatalf("Seek error: %v", err)
	}
	data, err := io.ReadAll(c.SrcReader())
	if err != nil {
		t.Fatalf("ReadAll after past-end seek error: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("got %d bytes after past-end seek, want 0", len(data))
	}
	if got := c.Engine().Position(); got != 0 {
		t.Errorf("Position() = %v, want 0", got)
	}

	if err := c.SetState(StateNull); err != nil {
		t.Fatalf("SetState(null) error: %v", err)
	}
}

// TestControllerSeekRejected verifies live streams and non-time formats
// refuse seeks without touching state.
func TestControllerSeekRejected(t *testing.T) {
	c := New(testOption())
	c.SetLocationQuery(locationFor(basePlaylistURI))
	if err := c.SinkData([]byte(eventPlaylist)); err != nil {
		t.Fatalf("SinkData error: %v", err)
	}
	c.SinkEOS()

	if err := c.Seek(1.0, FormatTime, SeekFlagFlush, SeekTypeSet, time.Second, SeekTypeNone, 0); !errors.Is(err, ErrSeekRejected) {
		t.Errorf("live seek error = %v, want %v", err, ErrSeekRejected)
	}
	if got := c.Model().Cursor(); got != 0 {
		t.Errorf("cursor changed on rejected seek: %d", got)
	}

	seekable, _, _ := c.Seeking()
	if seekable {
		t.Error("live stream reported seekable")
	}

	// Non-time format on a VOD stream.
	vod := New(testOption())
	vod.SetLocationQuery(locationFor(basePlaylistURI))
	if err := vod.SinkData([]byte(vodPlaylist)); err != nil {
		t.Fatalf("SinkData error: %v", err)
	}
	vod.SinkEOS()
	if err := vod.Seek(1.0, FormatBytes, SeekFlagNone, SeekTypeSet, time.Second, SeekTypeNone, 0); !errors.Is(err, ErrSeekRejected) {
		t.Errorf("bytes-format seek error = %v, want %v", err, ErrSeekRejected)
	}
}

// TestControllerRedirect verifies only permanent redirects rewrite the
// playlist URI.
func TestControllerRedirect(t *testing.T) {
	tests := []struct {
		name      string
		permanent bool
		want      string
	}{
		{"temporary", false, "http://origin.example.com/play.m3u8"},
		{"permanent", true, "http://cdn.example.com/play.m3u8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(testOption())
			c.SetLocationQuery(func() (URIQueryResult, bool) {
				return URIQueryResult{
					URI:       "http://origin.example.com/play.m3u8",
					Redirect:  "http://cdn.example.com/play.m3u8",
					Permanent: tt.permanent,
				}, true
			})
			if err := c.SinkData([]byte(vodPlaylist)); err != nil {
				t.Fatalf("SinkData error: %v", err)
			}
			c.SinkEOS()
			if got := c.URI(); got != tt.want {
				t.Errorf("URI() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestControllerBadPlaylist verifies a malformed initial playlist posts a
// stream decode error instead of activating the source pad.
func TestControllerBadPlaylist(t *testing.T) {
	c := New(testOption())
	c.SetLocationQuery(locationFor(basePlaylistURI))
	if err := c.SinkData([]byte{0xff, 0xfe}); err != nil {
		t.Fatalf("SinkData error: %v", err)
	}
	c.SinkEOS()

	select {
	case msg := <-c.Bus().C:
		em, ok := msg.(ErrorMessage)
		if !ok {
			t.Fatalf("bus message = %T, want ErrorMessage", msg)
		}
		if em.Domain != DomainStreamDecode {
			t.Errorf("error domain = %v, want stream/decode", em.Domain)
		}
	case <-time.After(time.Second):
		t.Fatal("no error posted for bad playlist")
	}
	if c.URI() != "" {
		t.Error("model loaded despite bad playlist")
	}
}

// TestControllerEncrypted verifies the end-to-end encrypted flow: the key is
// fetched once, both segments decrypt, and plaintext reaches the src pad.
func TestControllerEncrypted(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)
	var keyHits atomic.Int32

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	playlist := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-KEY:METHOD=AES-128,URI="k.bin",IV=0x00000000000000000000000000000000
#EXTINF:10.0,
a.ts
#EXTINF:10.0,
b.ts
#EXT-X-ENDLIST
`
	mux.HandleFunc("/play.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(playlist))
	})
	mux.HandleFunc("/k.bin", func(w http.ResponseWriter, r *http.Request) {
		keyHits.Add(1)
		w.Write(key)
	})
	mux.HandleFunc("/a.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write(encryptAES128CBC(t, []byte("first half "), key, iv))
	})
	mux.HandleFunc("/b.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write(encryptAES128CBC(t, []byte("second half"), key, iv))
	})

	c := New(testOption())
	playToEOS(t, c, server.URL+"/play.m3u8", []byte(playlist))

	data, err := io.ReadAll(c.SrcReader())
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if string(data) != "first half second half" {
		t.Errorf("stream = %q, want decrypted plaintext", data)
	}
	if got := keyHits.Load(); got != 1 {
		t.Errorf("key requests = %d, want 1", got)
	}

	if err := c.SetState(StateNull); err != nil {
		t.Fatalf("SetState(null) error: %v", err)
	}
}

// TestControllerLiveRefresh verifies a 404 on a live fragment triggers a
// synchronous playlist refresh that replaces the model, and the engine
// continues without a backoff wait.
func TestControllerLiveRefresh(t *testing.T) {
	var grown atomic.Bool
	var refreshWanted atomic.Bool
	var playlistHits atomic.Int32

	playlistV1 := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-PLAYLIST-TYPE:EVENT
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.0,
a.ts
#EXTINF:6.0,
b.ts
`
	playlistV2 := playlistV1 + `#EXTINF:6.0,
c.ts
`
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/play.m3u8", func(w http.ResponseWriter, r *http.Request) {
		playlistHits.Add(1)
		if refreshWanted.Load() {
			grown.Store(true)
			w.Write([]byte(playlistV2))
			return
		}
		w.Write([]byte(playlistV1))
	})
	mux.HandleFunc("/a.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("AA"))
	})
	mux.HandleFunc("/b.ts", func(w http.ResponseWriter, r *http.Request) {
		if !grown.Load() {
			refreshWanted.Store(true)
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("BB"))
	})
	mux.HandleFunc("/c.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("CC"))
	})

	c := New(testOption())
	begin := time.Now()
	playToEOS(t, c, server.URL+"/play.m3u8", []byte(playlistV1))

	data, err := io.ReadAll(c.SrcReader())
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	elapsed := time.Since(begin)

	if string(data) != "AABBCC" {
		t.Errorf("stream = %q, want %q", data, "AABBCC")
	}
	if playlistHits.Load() < 1 {
		t.Error("playlist was never refreshed")
	}
	// The refresh round skips the backoff wait.
	if elapsed > 3*time.Second {
		t.Errorf("stream took %v, backoff wait was not skipped", elapsed)
	}

	var sawRefreshStat bool
	for len(c.Bus().C) > 0 {
		if m, ok := (<-c.Bus().C).(StatsMessage); ok {
			if _, present := m.Fields["time-to-playlist"]; present {
				sawRefreshStat = true
			}
		}
	}
	if !sawRefreshStat {
		t.Error("no time-to-playlist statistic posted")
	}

	if err := c.SetState(StateNull); err != nil {
		t.Fatalf("SetState(null) error: %v", err)
	}
}

// TestControllerStateWalk verifies SetState steps through intermediate
// transitions in both directions.
func TestControllerStateWalk(t *testing.T) {
	server := startVODServer(t)
	playlistURI := server.URL + "/play.m3u8"

	c := New(testOption())
	c.SetLocationQuery(locationFor(playlistURI))

	steps := []State{StateReady, StatePlaying, StatePaused, StateNull}
	for _, target := range steps {
		if err := c.SetState(target); err != nil {
			t.Fatalf("SetState(%v) error: %v", target, err)
		}
		if got := c.CurrentState(); got != target {
			t.Errorf("CurrentState() = %v, want %v", got, target)
		}
	}
}

func ExampleState_String() {
	fmt.Println(StateNull, StateReady, StatePaused, StatePlaying)
	// Output: null ready paused playing
}
