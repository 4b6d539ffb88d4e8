package cluster

import "errors"

var (
	ErrNotLeader         = errors.New("cluster: not leader")
	ErrBackPressured     = errors.New("cluster: back pressured")
	ErrInvalidVersion    = errors.New("cluster: invalid client version")
	ErrSessionLimit      = errors.New("cluster: concurrent session limit")
	ErrQuorumLost        = errors.New("cluster: quorum lost")
	ErrRecordingGone     = errors.New("cluster: recording stopped unexpectedly")
	ErrInvalidServiceAck = errors.New("cluster: invalid service ack")
	ErrServiceHeartbeat  = errors.New("cluster: service heartbeat timeout")
	ErrTimeout           = errors.New("cluster: timeout")
	ErrClosed            = errors.New("cluster: closed")
)
