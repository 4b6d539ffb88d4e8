// Package aeron binds pkg/archive to the Aeron Archive service via
// github.com/lirm/aeron-go/archive.
package aeron

import (
	"fmt"

	"github.com/lirm/aeron-go/aeron"
	"github.com/lirm/aeron-go/archive"
	"github.com/lirm/aeron-go/archive/codecs"

	base "github.com/amirimatin/go-quorum/pkg/archive"
)

// Options configure the archive client connection.
type Options struct {
	// ArchiveOptions are passed straight to the aeron-go archive client;
	// request/response channels must be IPC to the co-located archive.
	ArchiveOptions *archive.Options
	// AeronContext is the shared media driver context.
	AeronContext *aeron.Context
}

// Archive adapts the aeron-go archive client.
type Archive struct {
	arch *archive.Archive
}

// Connect attaches to the archive service.
func Connect(opts Options) (*Archive, error) {
	arch, err := archive.NewArchive(opts.ArchiveOptions, opts.AeronContext)
	if err != nil {
		return nil, err
	}
	return &Archive{arch: arch}, nil
}

func (a *Archive) StartRecording(channel string, streamID int32) (int64, error) {
	return a.arch.StartRecording(channel, streamID, true, true)
}

func (a *Archive) ExtendRecording(recordingID int64, channel string, streamID int32) (int64, error) {
	return a.arch.ExtendRecording(recordingID, channel, streamID, codecs.SourceLocation.LOCAL, true)
}

func (a *Archive) StopRecording(subscriptionID int64) error {
	return a.arch.StopRecordingBySubscriptionId(subscriptionID)
}

func (a *Archive) FindRecordingBySession(sessionID int32) (int64, bool, error) {
	recordingID := int64(base.NullRecordingID)
	found := false
	_, err := a.arch.ListRecordingsForUri(0, 100, "", -1,
		func(descriptor *codecs.RecordingDescriptor) {
			if descriptor.SessionId == sessionID {
				recordingID = descriptor.RecordingId
				found = true
			}
		})
	if err != nil {
		return base.NullRecordingID, false, err
	}
	return recordingID, found, nil
}

func (a *Archive) RecordingPosition(recordingID int64) (int64, error) {
	return a.arch.GetRecordingPosition(recordingID)
}

func (a *Archive) GetStopPosition(recordingID int64) (int64, error) {
	return a.arch.GetStopPosition(recordingID)
}

func (a *Archive) ListRecording(recordingID int64) (base.RecordingExtent, bool, error) {
	var extent base.RecordingExtent
	found := false
	_, err := a.arch.ListRecording(recordingID, func(descriptor *codecs.RecordingDescriptor) {
		extent = base.RecordingExtent{
			RecordingID:   descriptor.RecordingId,
			StartPosition: descriptor.StartPosition,
			StopPosition:  descriptor.StopPosition,
			InitialTermID: descriptor.InitialTermId,
			SessionID:     descriptor.SessionId,
			StreamID:      descriptor.StreamId,
			Channel:       string(descriptor.StrippedChannel),
		}
		found = true
	})
	if err != nil {
		return base.RecordingExtent{}, false, err
	}
	return extent, found, nil
}

func (a *Archive) TruncateRecording(recordingID int64, position int64) error {
	return a.arch.TruncateRecording(recordingID, position)
}

func (a *Archive) StartReplay(recordingID int64, position int64, length int64, channel string, streamID int32) (int64, error) {
	return a.arch.StartReplay(recordingID, position, length, channel, streamID)
}

func (a *Archive) StopReplay(replaySessionID int64) error {
	return a.arch.StopReplay(replaySessionID)
}

// Replicate does not replicate: with no source archive endpoint it always
// returns NullRecordingID and an error. ReplicateFrom performs replication.
func (a *Archive) Replicate(srcRecordingID int64) (int64, error) {
	return base.NullRecordingID, fmt.Errorf("archive: replicate requires a source archive endpoint; use ReplicateFrom")
}

// ReplicateFrom replicates a recording from a remote archive, returning the
// local recording id.
func (a *Archive) ReplicateFrom(srcRecordingID int64, srcControlChannel string, srcControlStreamID int32) (int64, error) {
	return a.arch.Replicate(srcRecordingID, base.NullRecordingID, srcControlStreamID, srcControlChannel, "")
}

func (a *Archive) PollForErrorResponse() error {
	_, err := a.arch.PollForErrorResponse()
	return err
}

func (a *Archive) Close() error {
	return a.arch.Close()
}

var _ base.Archive = (*Archive)(nil)
