// Package memory implements pkg/archive against the in-process memory
// transport. One Archive instance models the archive service for every
// member attached to the same Hub, which is sufficient for tests.
package memory

import (
	"fmt"
	"sync"

	"github.com/amirimatin/go-quorum/pkg/archive"
	"github.com/amirimatin/go-quorum/pkg/transport"
	tmemory "github.com/amirimatin/go-quorum/pkg/transport/memory"
)

type frame struct {
	buf      []byte
	position int64
}

type recording struct {
	id        int64
	channel   string
	streamID  int32
	sessionID int32
	mu        sync.Mutex
	frames    []frame
	start     int64
	stop      int64
	active    bool
}

func (r *recording) record(buf []byte, position int64) {
	r.mu.Lock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	if len(r.frames) == 0 {
		r.start = position - transport.AlignedFrameLength(len(buf))
	}
	r.frames = append(r.frames, frame{buf: cp, position: position})
	r.stop = position
	r.mu.Unlock()
}

// Archive records and replays streams on a memory Hub.
type Archive struct {
	hub *tmemory.Hub

	mu             sync.Mutex
	recordings     map[int64]*recording
	subscriptions  map[int64]*recording
	replays        map[int64]transport.Publication
	nextRecording  int64
	nextSub        int64
	nextReplay     int64
	pendingErr     error
	closed         bool
}

// New creates an archive on the hub.
func New(hub *tmemory.Hub) *Archive {
	return &Archive{
		hub:           hub,
		recordings:    make(map[int64]*recording),
		subscriptions: make(map[int64]*recording),
		replays:       make(map[int64]transport.Publication),
	}
}

func (a *Archive) StartRecording(channel string, streamID int32) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, fmt.Errorf("archive: closed")
	}
	rec := &recording{channel: channel, streamID: streamID, active: true, stop: archive.NullPosition}
	sessionID, ok := a.hub.TapPublication(channel, streamID, rec.record)
	if !ok {
		return 0, fmt.Errorf("archive: no publication on %s stream %d", channel, streamID)
	}
	rec.id = a.nextRecording
	rec.sessionID = sessionID
	rec.stop = 0
	a.nextRecording++
	a.recordings[rec.id] = rec
	a.nextSub++
	a.subscriptions[a.nextSub] = rec
	return a.nextSub, nil
}

func (a *Archive) ExtendRecording(recordingID int64, channel string, streamID int32) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.recordings[recordingID]
	if !ok {
		return 0, fmt.Errorf("archive: unknown recording %d", recordingID)
	}
	sessionID, tapped := a.hub.TapPublication(channel, streamID, rec.record)
	if !tapped {
		return 0, fmt.Errorf("archive: no publication on %s stream %d", channel, streamID)
	}
	rec.sessionID = sessionID
	rec.active = true
	a.nextSub++
	a.subscriptions[a.nextSub] = rec
	return a.nextSub, nil
}

func (a *Archive) StopRecording(subscriptionID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("archive: unknown subscription %d", subscriptionID)
	}
	rec.active = false
	delete(a.subscriptions, subscriptionID)
	return nil
}

func (a *Archive) FindRecordingBySession(sessionID int32) (int64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range a.recordings {
		if rec.sessionID == sessionID {
			return rec.id, true, nil
		}
	}
	return archive.NullRecordingID, false, nil
}

func (a *Archive) RecordingPosition(recordingID int64) (int64, error) {
	a.mu.Lock()
	rec, ok := a.recordings[recordingID]
	a.mu.Unlock()
	if !ok {
		return archive.NullPosition, fmt.Errorf("archive: unknown recording %d", recordingID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.stop, nil
}

func (a *Archive) GetStopPosition(recordingID int64) (int64, error) {
	return a.RecordingPosition(recordingID)
}

func (a *Archive) ListRecording(recordingID int64) (archive.RecordingExtent, bool, error) {
	a.mu.Lock()
	rec, ok := a.recordings[recordingID]
	a.mu.Unlock()
	if !ok {
		return archive.RecordingExtent{}, false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return archive.RecordingExtent{
		RecordingID:   rec.id,
		StartPosition: rec.start,
		StopPosition:  rec.stop,
		SessionID:     rec.sessionID,
		StreamID:      rec.streamID,
		Channel:       rec.channel,
	}, true, nil
}

func (a *Archive) TruncateRecording(recordingID int64, position int64) error {
	a.mu.Lock()
	rec, ok := a.recordings[recordingID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("archive: unknown recording %d", recordingID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	kept := rec.frames[:0]
	for _, f := range rec.frames {
		if f.position <= position {
			kept = append(kept, f)
		}
	}
	rec.frames = kept
	rec.stop = position
	return nil
}

func (a *Archive) StartReplay(recordingID int64, position int64, length int64, channel string, streamID int32) (int64, error) {
	a.mu.Lock()
	rec, ok := a.recordings[recordingID]
	if !ok {
		a.mu.Unlock()
		return 0, fmt.Errorf("archive: unknown recording %d", recordingID)
	}
	a.nextReplay++
	replayID := a.nextReplay
	a.mu.Unlock()

	rec.mu.Lock()
	frames := append([]frame(nil), rec.frames...)
	rec.mu.Unlock()

	start := position
	if start == archive.NullPosition {
		start = rec.start
	}
	end := int64(-1)
	if length != archive.NullPosition && length >= 0 {
		end = start + length
	}

	pub := a.hub.AddPublicationAt(channel, streamID, start)
	for _, f := range frames {
		if f.position <= start {
			continue
		}
		if end >= 0 && f.position > end {
			break
		}
		pub.Offer(f.buf)
	}
	// bounded replay: close immediately so the image reports end-of-stream
	// once drained.
	_ = pub.Close()

	a.mu.Lock()
	a.replays[replayID] = pub
	a.mu.Unlock()
	// low 32 bits carry the image session id
	return replayID<<32 | int64(uint32(pub.SessionID())), nil
}

func (a *Archive) StopReplay(replaySessionID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := replaySessionID >> 32
	if pub, ok := a.replays[id]; ok {
		_ = pub.Close()
		delete(a.replays, id)
	}
	return nil
}

func (a *Archive) Replicate(srcRecordingID int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	src, ok := a.recordings[srcRecordingID]
	if !ok {
		return archive.NullRecordingID, fmt.Errorf("archive: unknown recording %d", srcRecordingID)
	}
	src.mu.Lock()
	dst := &recording{
		id:       a.nextRecording,
		channel:  src.channel,
		streamID: src.streamID,
		frames:   append([]frame(nil), src.frames...),
		start:    src.start,
		stop:     src.stop,
	}
	src.mu.Unlock()
	a.nextRecording++
	a.recordings[dst.id] = dst
	return dst.id, nil
}

func (a *Archive) PollForErrorResponse() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.pendingErr
	a.pendingErr = nil
	return err
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

var _ archive.Archive = (*Archive)(nil)
