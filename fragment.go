package hlsfetch

import "time"

// Fragment is one pending or completed media fetch.
type Fragment struct {
	URI      string
	Start    time.Duration
	Stop     time.Duration
	Duration time.Duration

	// Byte range within the resource; -1 means unset.
	RangeStart int64
	RangeEnd   int64

	// Encryption parameters; KeyURI empty means cleartext. A nil IV
	// decrypts with a zero IV.
	KeyURI string
	IV     []byte

	DownloadStart time.Time
	DownloadStop  time.Time
	Payload       []byte
	Size          int64
	Completed     bool
}

// newFragment creates a fragment without a byte range.
func newFragment(uri string) *Fragment {
	return &Fragment{
		URI:        uri,
		RangeStart: -1,
		RangeEnd:   -1,
	}
}

// Encrypted reports whether the fragment payload needs decryption.
func (f *Fragment) Encrypted() bool {
	return f.KeyURI != ""
}

// HasRange reports whether a byte range is set.
func (f *Fragment) HasRange() bool {
	return f.RangeStart >= 0 && f.RangeEnd >= 0
}

// DownloadTime returns the wall time the download took.
func (f *Fragment) DownloadTime() time.Duration {
	if f.DownloadStop.IsZero() || f.DownloadStart.IsZero() {
		return 0
	}
	return f.DownloadStop.Sub(f.DownloadStart)
}
