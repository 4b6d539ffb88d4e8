// Package archive defines the surface the consensus module needs from a
// stream-recording archive service: recording of the log and snapshot
// streams, bounded replay for recovery and catch-up, and recording metadata
// queries. pkg/archive/aeron binds it to a real Aeron Archive;
// pkg/archive/memory provides an in-process implementation for tests.
package archive

// NullRecordingID marks the absence of a recording.
const NullRecordingID int64 = -1

// NullPosition marks an unknown position.
const NullPosition int64 = -1

// RecordingExtent describes a recording's stored range.
type RecordingExtent struct {
	RecordingID   int64
	StartPosition int64
	StopPosition  int64
	InitialTermID int32
	SessionID     int32
	StreamID      int32
	Channel       string
}

// Archive is the client handle to the archive service. Implementations are
// used from the agent thread only.
type Archive interface {
	// StartRecording records the newest publication on (channel, streamID),
	// returning a subscription id used to stop it.
	StartRecording(channel string, streamID int32) (int64, error)
	// ExtendRecording resumes recording an existing recording id.
	ExtendRecording(recordingID int64, channel string, streamID int32) (int64, error)
	StopRecording(subscriptionID int64) error

	// FindRecordingBySession resolves the recording created for a
	// publication session.
	FindRecordingBySession(sessionID int32) (int64, bool, error)
	// RecordingPosition is the highest position recorded so far.
	RecordingPosition(recordingID int64) (int64, error)
	GetStopPosition(recordingID int64) (int64, error)
	ListRecording(recordingID int64) (RecordingExtent, bool, error)
	TruncateRecording(recordingID int64, position int64) error

	// StartReplay replays [position, position+length) of a recording onto
	// the given channel and stream. A length of NullPosition replays to the
	// recorded end. Returns the replay session id; the low 32 bits identify
	// the image carrying the replay.
	StartReplay(recordingID int64, position int64, length int64, channel string, streamID int32) (int64, error)
	StopReplay(replaySessionID int64) error

	// Replicate copies a recording into a fresh local recording id; used by
	// dynamic join to localise snapshot recordings.
	Replicate(srcRecordingID int64) (int64, error)

	// PollForErrorResponse surfaces asynchronous archive errors.
	PollForErrorResponse() error
	Close() error
}

// ReplayImageSessionID extracts the image session id of a replay.
func ReplayImageSessionID(replaySessionID int64) int32 {
	return int32(replaySessionID)
}
