// Package memory is an in-process loopback implementation of the transport
// interfaces. Publications and subscriptions rendezvous on a shared Hub by
// (channel, streamID); frames are delivered synchronously on Poll. It exists
// for unit and integration tests; production deployments bind pkg/transport
// against pkg/transport/aeron.
package memory

import (
	"fmt"
	"sync"

	"github.com/amirimatin/go-quorum/pkg/transport"
)

type streamKey struct {
	channel  string
	streamID int32
}

// Hub routes frames between publications and subscriptions created from the
// clients attached to it. A single Hub models one network.
type Hub struct {
	mu            sync.Mutex
	streams       map[streamKey]*stream
	counters      map[counterKey]*counter
	nextSessionID int32
}

type counterKey struct {
	typeID int32
	keyID  int64
}

type stream struct {
	pubs []*publication
	subs []*subscription
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{streams: make(map[streamKey]*stream), counters: make(map[counterKey]*counter)}
}

// NewClient attaches a new client to the hub.
func (h *Hub) NewClient() *Client { return &Client{hub: h} }

func (h *Hub) getStream(key streamKey) *stream {
	s, ok := h.streams[key]
	if !ok {
		s = &stream{}
		h.streams[key] = s
	}
	return s
}

// Client implements transport.Client against the hub.
type Client struct {
	hub    *Hub
	mu     sync.Mutex
	closed bool
	owned  []closer
}

type closer interface{ Close() error }

func (c *Client) AddPublication(channel string, streamID int32) (transport.Publication, error) {
	return c.addPublication(channel, streamID)
}

func (c *Client) AddExclusivePublication(channel string, streamID int32) (transport.Publication, error) {
	return c.addPublication(channel, streamID)
}

func (c *Client) AddExclusivePublicationAt(channel string, streamID int32, initialPosition int64) (transport.Publication, error) {
	if c.IsClosed() {
		return nil, fmt.Errorf("memory: client closed")
	}
	pub := c.hub.AddPublicationAt(channel, streamID, initialPosition)
	c.mu.Lock()
	c.owned = append(c.owned, pub)
	c.mu.Unlock()
	return pub, nil
}

func (c *Client) addPublication(channel string, streamID int32) (transport.Publication, error) {
	if c.IsClosed() {
		return nil, fmt.Errorf("memory: client closed")
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSessionID++
	p := &publication{
		hub:       h,
		key:       streamKey{channel, streamID},
		sessionID: h.nextSessionID,
	}
	s := h.getStream(p.key)
	s.pubs = append(s.pubs, p)
	for _, sub := range s.subs {
		sub.attach(p)
	}
	c.mu.Lock()
	c.owned = append(c.owned, p)
	c.mu.Unlock()
	return p, nil
}

func (c *Client) AddSubscription(channel string, streamID int32) (transport.Subscription, error) {
	return c.AddSubscriptionWithHandler(channel, streamID, nil)
}

func (c *Client) AddSubscriptionWithHandler(channel string, streamID int32, onUnavailable transport.UnavailableImageHandler) (transport.Subscription, error) {
	if c.IsClosed() {
		return nil, fmt.Errorf("memory: client closed")
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &subscription{
		hub:           h,
		key:           streamKey{channel, streamID},
		onUnavailable: onUnavailable,
	}
	s := h.getStream(sub.key)
	s.subs = append(s.subs, sub)
	for _, p := range s.pubs {
		sub.attach(p)
	}
	c.mu.Lock()
	c.owned = append(c.owned, sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *Client) AddCounter(typeID int32, keyID int64, label string) (transport.Counter, error) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	key := counterKey{typeID, keyID}
	if cnt, ok := h.counters[key]; ok {
		return cnt, nil
	}
	cnt := &counter{label: label}
	h.counters[key] = cnt
	return cnt, nil
}

func (c *Client) FindCounter(typeID int32, keyID int64) (transport.Counter, bool) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	cnt, ok := h.counters[counterKey{typeID, keyID}]
	return cnt, ok
}

func (c *Client) Invoke() int { return 0 }

func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	owned := c.owned
	c.owned = nil
	c.mu.Unlock()
	for _, o := range owned {
		_ = o.Close()
	}
	return nil
}

var _ transport.Client = (*Client)(nil)

type frame struct {
	buf      []byte
	position int64 // position after this frame
}

// publication is a single-writer stream of frames. Each attached image keeps
// its own read index.
type publication struct {
	hub       *Hub
	key       streamKey
	sessionID int32
	mu        sync.Mutex
	frames    []frame
	position  int64
	closed    bool
	images    []*image
	// tap receives every offered frame; used by the memory archive.
	tap func(buf []byte, position int64)
}

func (p *publication) Offer(buf []byte) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.PublicationClosed
	}
	// frames are buffered even before a subscriber attaches: images join
	// from the start of the stream, so nothing is lost by accepting early
	cp := make([]byte, len(buf))
	copy(cp, buf)
	p.position += transport.AlignedFrameLength(len(buf))
	p.frames = append(p.frames, frame{buf: cp, position: p.position})
	if p.tap != nil {
		p.tap(cp, p.position)
	}
	return p.position
}

func (p *publication) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && len(p.images) > 0
}

func (p *publication) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *publication) SessionID() int32 { return p.sessionID }
func (p *publication) Channel() string  { return p.key.channel }
func (p *publication) StreamID() int32  { return p.key.streamID }

func (p *publication) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	images := p.images
	p.mu.Unlock()
	for _, img := range images {
		img.markClosed()
	}
	return nil
}

// SetTap installs a frame tap used by the in-memory archive to record the
// publication. Frames already offered are replayed into the tap first.
func (p *publication) SetTap(tap func(buf []byte, position int64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.frames {
		tap(f.buf, f.position)
	}
	p.tap = tap
}

// image reads one publication's frames.
type image struct {
	pub      *publication
	mu       sync.Mutex
	readIdx  int
	position int64
	closed   bool
	eos      bool
}

func (i *image) SessionID() int32 { return i.pub.sessionID }

func (i *image) Position() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.position
}

func (i *image) IsClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

func (i *image) IsEndOfStream() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.eos && i.readIdx >= len(i.pub.frames)
}

func (i *image) markClosed() {
	i.mu.Lock()
	i.eos = true
	i.mu.Unlock()
}

func (i *image) Poll(handler transport.FragmentHandler, limit int) int {
	n := 0
	for n < limit {
		i.pub.mu.Lock()
		var f frame
		ok := i.readIdx < len(i.pub.frames)
		if ok {
			f = i.pub.frames[i.readIdx]
		}
		i.pub.mu.Unlock()
		if !ok {
			break
		}
		i.mu.Lock()
		i.readIdx++
		i.position = f.position
		i.mu.Unlock()
		handler(f.buf, transport.Header{
			SessionID: i.pub.sessionID,
			StreamID:  i.pub.key.streamID,
			Position:  f.position,
		})
		n++
	}
	return n
}

var _ transport.Image = (*image)(nil)

type subscription struct {
	hub           *Hub
	key           streamKey
	onUnavailable transport.UnavailableImageHandler
	mu            sync.Mutex
	images        []*image
	closed        bool
}

func (s *subscription) attach(p *publication) {
	img := &image{pub: p}
	s.mu.Lock()
	s.images = append(s.images, img)
	s.mu.Unlock()
	p.mu.Lock()
	p.images = append(p.images, img)
	p.mu.Unlock()
}

func (s *subscription) Poll(handler transport.FragmentHandler, limit int) int {
	s.mu.Lock()
	images := append([]*image(nil), s.images...)
	s.mu.Unlock()
	n := 0
	for _, img := range images {
		if n >= limit {
			break
		}
		n += img.Poll(handler, limit-n)
		if img.IsEndOfStream() && !img.IsClosed() {
			img.mu.Lock()
			img.closed = true
			img.mu.Unlock()
			if s.onUnavailable != nil {
				s.onUnavailable(img)
			}
		}
	}
	return n
}

func (s *subscription) ImageBySessionID(sessionID int32) transport.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.images {
		if img.pub.sessionID == sessionID {
			return img
		}
	}
	return nil
}

func (s *subscription) Images() []transport.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Image, 0, len(s.images))
	for _, img := range s.images {
		out = append(out, img)
	}
	return out
}

func (s *subscription) ImageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

func (s *subscription) IsConnected() bool { return s.ImageCount() > 0 }
func (s *subscription) Channel() string   { return s.key.channel }
func (s *subscription) StreamID() int32   { return s.key.streamID }

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.images = nil
	s.mu.Unlock()
	return nil
}

var _ transport.Subscription = (*subscription)(nil)

type counter struct {
	label string
	mu    sync.Mutex
	v     int64
}

func (c *counter) Set(v int64) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}

func (c *counter) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *counter) Close() error { return nil }

var _ transport.Counter = (*counter)(nil)

// AddPublicationAt creates a publication whose position starts at
// initialPosition instead of zero. The in-memory archive uses it to replay a
// recording range so that replayed frames reproduce their original
// positions.
func (h *Hub) AddPublicationAt(channel string, streamID int32, initialPosition int64) transport.Publication {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSessionID++
	p := &publication{
		hub:       h,
		key:       streamKey{channel, streamID},
		sessionID: h.nextSessionID,
		position:  initialPosition,
	}
	s := h.getStream(p.key)
	s.pubs = append(s.pubs, p)
	for _, sub := range s.subs {
		sub.attach(p)
	}
	return p
}

// TapPublication installs a recording tap on the newest publication of the
// given (channel, streamID) pair, returning its session id. Used by the
// in-memory archive. Returns false when no publication exists yet.
func (h *Hub) TapPublication(channel string, streamID int32, tap func(buf []byte, position int64)) (int32, bool) {
	h.mu.Lock()
	s, ok := h.streams[streamKey{channel, streamID}]
	var p *publication
	if ok && len(s.pubs) > 0 {
		p = s.pubs[len(s.pubs)-1]
	}
	h.mu.Unlock()
	if p == nil {
		return 0, false
	}
	p.SetTap(tap)
	return p.sessionID, true
}
