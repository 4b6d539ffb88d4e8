package transport

// Package transport defines the minimal surface the consensus module needs
// from a reliable ordered log-streaming transport. The production binding is
// pkg/transport/aeron; pkg/transport/memory provides an in-process loopback
// used by tests.

// Offer result sentinels. Non-negative results are the stream position after
// the appended frame.
const (
	NotConnected        int64 = -1
	BackPressured       int64 = -2
	AdminAction         int64 = -3
	PublicationClosed   int64 = -4
	MaxPositionExceeded int64 = -5
)

// FrameAlignment is the alignment of every frame on a stream; log positions
// are always multiples of it.
const FrameAlignment = 32

// DataFrameHeaderLength is the per-frame transport overhead included in
// position arithmetic.
const DataFrameHeaderLength = 32

// AlignedFrameLength returns the number of stream bytes occupied by a message
// of the given encoded length.
func AlignedFrameLength(msgLen int) int64 {
	l := int64(msgLen) + DataFrameHeaderLength
	return (l + FrameAlignment - 1) &^ (FrameAlignment - 1)
}

// Header describes the frame being delivered to a FragmentHandler. Position
// is the stream position immediately after the frame.
type Header struct {
	SessionID int32
	StreamID  int32
	Position  int64
}

// FragmentHandler consumes one message frame. The buffer is only valid for
// the duration of the call.
type FragmentHandler func(buf []byte, header Header)

// Publication is an append-only outbound stream.
type Publication interface {
	// Offer appends buf as one frame, returning the new position or one of
	// the negative sentinels.
	Offer(buf []byte) int64
	IsConnected() bool
	Position() int64
	SessionID() int32
	Channel() string
	StreamID() int32
	Close() error
}

// Image is a single publisher's flow within a subscription.
type Image interface {
	SessionID() int32
	Position() int64
	IsClosed() bool
	IsEndOfStream() bool
	Poll(handler FragmentHandler, limit int) int
}

// Subscription aggregates images for a (channel, streamID) pair.
type Subscription interface {
	// Poll delivers up to limit fragments across all images.
	Poll(handler FragmentHandler, limit int) int
	ImageBySessionID(sessionID int32) Image
	Images() []Image
	ImageCount() int
	IsConnected() bool
	Channel() string
	StreamID() int32
	Close() error
}

// UnavailableImageHandler is invoked when a publisher's image goes away.
type UnavailableImageHandler func(img Image)

// Counter is a single-writer, multi-reader shared counter published with
// release semantics so external observers see consistent values.
type Counter interface {
	Set(v int64)
	Get() int64
	Close() error
}

// Client is the process-wide transport client handle. It is threaded into
// the module as an explicit dependency and owned by the caller.
type Client interface {
	AddPublication(channel string, streamID int32) (Publication, error)
	// AddExclusivePublication returns a publication with a private session,
	// required for recorded streams such as the log and snapshots.
	AddExclusivePublication(channel string, streamID int32) (Publication, error)
	// AddExclusivePublicationAt opens an exclusive publication whose
	// position starts at initialPosition, used when a new leadership term
	// continues the log at its base position.
	AddExclusivePublicationAt(channel string, streamID int32, initialPosition int64) (Publication, error)
	AddSubscription(channel string, streamID int32) (Subscription, error)
	AddSubscriptionWithHandler(channel string, streamID int32, onUnavailable UnavailableImageHandler) (Subscription, error)
	// AddCounter registers a shared counter keyed by (typeID, keyID).
	AddCounter(typeID int32, keyID int64, label string) (Counter, error)
	// FindCounter locates a counter registered by another component.
	FindCounter(typeID int32, keyID int64) (Counter, bool)
	// Invoke keeps the client's conductor alive during bounded idle loops.
	Invoke() int
	IsClosed() bool
	Close() error
}

// Well-known counter type ids shared between the module and its observers.
const (
	CounterTypeCommitPosition   int32 = 203
	CounterTypeRecoveryState    int32 = 204
	CounterTypeControlToggle    int32 = 205
	CounterTypeSnapshotCount    int32 = 206
	CounterTypeElectionState    int32 = 207
	CounterTypeServiceHeartbeat int32 = 210
	CounterTypeClientTimeouts   int32 = 211
)
