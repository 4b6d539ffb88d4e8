// Package aeron binds pkg/transport to a real Aeron media driver via
// github.com/lirm/aeron-go. The consensus core never imports this package
// directly; bootstrap selects it when a media driver directory is
// configured.
package aeron

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lirm/aeron-go/aeron"
	aatomic "github.com/lirm/aeron-go/aeron/atomic"
	"github.com/lirm/aeron-go/aeron/logbuffer"
	"github.com/lirm/aeron-go/aeron/logging"

	"github.com/amirimatin/go-quorum/pkg/transport"
)

var logger = logging.MustGetLogger("quorum.transport")

// Options configure the Aeron client binding.
type Options struct {
	// AeronDir is the media driver directory.
	AeronDir string
	// TermBufferLength is used to derive init-term-id/term-offset channel
	// parameters for position-initialised publications.
	TermBufferLength int64
	// Loglevel is applied to the aeron-go logger.
	Loglevel int
}

// Client adapts aeron.Aeron to transport.Client. Counters are kept
// in-process: the consensus module is the single writer and the management
// endpoint the reader, so the CnC file indirection is not needed here.
type Client struct {
	aeronClient *Aeron
	opts        Options

	mu       sync.Mutex
	counters map[counterKey]*counter
	closed   bool
}

// Aeron aliases the underlying client handle type.
type Aeron = aeron.Aeron

type counterKey struct {
	typeID int32
	keyID  int64
}

// Connect attaches to the media driver.
func Connect(opts Options) (*Client, error) {
	if opts.TermBufferLength <= 0 {
		opts.TermBufferLength = 16 * 1024 * 1024
	}
	ctx := aeron.NewContext()
	if opts.AeronDir != "" {
		ctx.AeronDir(opts.AeronDir)
	}
	logging.SetLevel(logging.Level(opts.Loglevel), "quorum.transport")
	client, err := aeron.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &Client{
		aeronClient: client,
		opts:        opts,
		counters:    make(map[counterKey]*counter),
	}, nil
}

func (c *Client) AddPublication(channel string, streamID int32) (transport.Publication, error) {
	pub, err := c.aeronClient.AddPublication(channel, streamID)
	if err != nil {
		return nil, err
	}
	return &publication{pub: pub, channel: channel, streamID: streamID}, nil
}

func (c *Client) AddExclusivePublication(channel string, streamID int32) (transport.Publication, error) {
	pub, err := c.aeronClient.AddExclusivePublication(channel, streamID)
	if err != nil {
		return nil, err
	}
	return &publication{pub: pub, channel: channel, streamID: streamID}, nil
}

// AddExclusivePublicationAt maps the initial position onto init-term-id and
// term-offset channel parameters.
func (c *Client) AddExclusivePublicationAt(channel string, streamID int32, initialPosition int64) (transport.Publication, error) {
	termLength := c.opts.TermBufferLength
	termID := initialPosition / termLength
	termOffset := initialPosition % termLength
	uri := fmt.Sprintf("%s|term-length=%d|init-term-id=%d|term-id=%d|term-offset=%d",
		channel, termLength, 0, termID, termOffset)
	return c.AddExclusivePublication(uri, streamID)
}

func (c *Client) AddSubscription(channel string, streamID int32) (transport.Subscription, error) {
	sub, err := c.aeronClient.AddSubscription(channel, streamID)
	if err != nil {
		return nil, err
	}
	return &subscription{sub: sub, channel: channel, streamID: streamID}, nil
}

func (c *Client) AddSubscriptionWithHandler(channel string, streamID int32, onUnavailable transport.UnavailableImageHandler) (transport.Subscription, error) {
	// aeron-go image handlers are registered at context level; the poll
	// loop detects closed images instead.
	return c.AddSubscription(channel, streamID)
}

func (c *Client) AddCounter(typeID int32, keyID int64, label string) (transport.Counter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := counterKey{typeID, keyID}
	if cnt, ok := c.counters[key]; ok {
		return cnt, nil
	}
	cnt := &counter{label: label}
	c.counters[key] = cnt
	return cnt, nil
}

func (c *Client) FindCounter(typeID int32, keyID int64) (transport.Counter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cnt, ok := c.counters[counterKey{typeID, keyID}]
	return cnt, ok
}

// Invoke is a no-op: the aeron-go client conductor runs on its own
// goroutine.
func (c *Client) Invoke() int { return 0 }

func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.aeronClient.IsClosed()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if err := c.aeronClient.Close(); err != nil {
		logger.Errorf("error closing aeron client: %v", err)
		return err
	}
	return nil
}

// Handle exposes the raw client for the archive adapter.
func (c *Client) Handle() *Aeron { return c.aeronClient }

var _ transport.Client = (*Client)(nil)

type publication struct {
	pub      *aeron.Publication
	channel  string
	streamID int32
}

func (p *publication) Offer(buf []byte) int64 {
	b := aatomic.MakeBuffer(buf, len(buf))
	result := p.pub.Offer(b, 0, int32(len(buf)), nil)
	switch result {
	case aeron.NotConnected:
		return transport.NotConnected
	case aeron.BackPressured:
		return transport.BackPressured
	case aeron.AdminAction:
		return transport.AdminAction
	case aeron.PublicationClosed:
		return transport.PublicationClosed
	case aeron.MaxPositionExceeded:
		return transport.MaxPositionExceeded
	}
	return result
}

func (p *publication) IsConnected() bool { return p.pub.IsConnected() }
func (p *publication) Position() int64   { return p.pub.Position() }
func (p *publication) SessionID() int32  { return p.pub.SessionID() }
func (p *publication) Channel() string   { return p.channel }
func (p *publication) StreamID() int32   { return p.streamID }
func (p *publication) Close() error      { return p.pub.Close() }

var _ transport.Publication = (*publication)(nil)

type subscription struct {
	sub      *aeron.Subscription
	channel  string
	streamID int32
}

func fragmentAdapter(handler transport.FragmentHandler, streamID int32) func(*aatomic.Buffer, int32, int32, *logbuffer.Header) {
	return func(buffer *aatomic.Buffer, offset int32, length int32, header *logbuffer.Header) {
		buf := buffer.GetBytesArray(offset, length)
		handler(buf, transport.Header{
			SessionID: header.SessionId(),
			StreamID:  streamID,
			Position:  header.Position(),
		})
	}
}

func (s *subscription) Poll(handler transport.FragmentHandler, limit int) int {
	return s.sub.Poll(fragmentAdapter(handler, s.streamID), limit)
}

func (s *subscription) ImageBySessionID(sessionID int32) transport.Image {
	img := s.sub.ImageBySessionID(sessionID)
	if img == nil {
		return nil
	}
	return &image{img: img, streamID: s.streamID}
}

func (s *subscription) Images() []transport.Image {
	var out []transport.Image
	for i := 0; i < s.sub.ImageCount(); i++ {
		if img := s.sub.ImageAtIndex(i); img != nil {
			out = append(out, &image{img: img, streamID: s.streamID})
		}
	}
	return out
}

func (s *subscription) ImageCount() int   { return s.sub.ImageCount() }
func (s *subscription) IsConnected() bool { return s.sub.IsConnected() }
func (s *subscription) Channel() string   { return s.channel }
func (s *subscription) StreamID() int32   { return s.streamID }
func (s *subscription) Close() error      { return s.sub.Close() }

var _ transport.Subscription = (*subscription)(nil)

type image struct {
	img      aeron.Image
	streamID int32
}

func (i *image) SessionID() int32    { return i.img.SessionID() }
func (i *image) Position() int64     { return i.img.Position() }
func (i *image) IsClosed() bool      { return i.img.IsClosed() }
func (i *image) IsEndOfStream() bool { return i.img.IsEndOfStream() }

func (i *image) Poll(handler transport.FragmentHandler, limit int) int {
	return i.img.Poll(fragmentAdapter(handler, i.streamID), limit)
}

var _ transport.Image = (*image)(nil)

type counter struct {
	label string
	v     atomic.Int64
}

func (c *counter) Set(v int64)  { c.v.Store(v) }
func (c *counter) Get() int64   { return c.v.Load() }
func (c *counter) Close() error { return nil }
