package hlsfetch

import "time"

// StatisticsMessageName tags every statistics message on the bus.
const StatisticsMessageName = "hlsdemux-statistics"

// Message is anything posted on the bus.
type Message interface{ messageTag() }

// StatsMessage carries one statistics sample.
type StatsMessage struct {
	Name   string
	Fields map[string]interface{}
}

func (StatsMessage) messageTag() {}

// ErrorDomain classifies fatal element errors.
type ErrorDomain int

const (
	DomainStreamDecode ErrorDomain = iota
	DomainStreamDecrypt
	DomainStreamTypeNotFound
	DomainResourceNotFound
)

// ErrorMessage is a fatal element error.
type ErrorMessage struct {
	Domain ErrorDomain
	Err    error
}

func (ErrorMessage) messageTag() {}

// DurationChangedMessage announces the stream duration after the first
// non-live playlist load.
type DurationChangedMessage struct {
	Duration time.Duration
}

func (DurationChangedMessage) messageTag() {}

// Bus is a non-blocking message channel; messages posted while the channel
// is full are dropped.
type Bus struct {
	C chan Message
}

func NewBus() *Bus {
	return &Bus{C: make(chan Message, 64)}
}

func (b *Bus) Post(msg Message) {
	select {
	case b.C <- msg:
	default:
	}
}

func newManifestStats(downloadStop time.Time) StatsMessage {
	return StatsMessage{
		Name: StatisticsMessageName,
		Fields: map[string]interface{}{
			"manifest-download-stop": downloadStop.UnixNano(),
		},
	}
}

func newPlaylistStats(elapsed time.Duration) StatsMessage {
	return StatsMessage{
		Name: StatisticsMessageName,
		Fields: map[string]interface{}{
			"time-to-playlist": elapsed.Nanoseconds(),
		},
	}
}

func newFragmentStats(downloadTime time.Duration, size int64) StatsMessage {
	return StatsMessage{
		Name: StatisticsMessageName,
		Fields: map[string]interface{}{
			"fragment-download-time": downloadTime.Nanoseconds(),
			"fragment-size":          uint64(size),
		},
	}
}
