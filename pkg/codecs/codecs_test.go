package codecs

import (
	"bytes"
	"testing"
)

func TestSessionMessage_VariableLengthPayload(t *testing.T) {
	in := SessionMessage{LeadershipTermID: 3, ClusterSessionID: 42, Timestamp: 9999, Payload: []byte("hello")}
	buf := in.Encode()
	if got := TemplateID(buf); got != TemplateSessionMessage {
		t.Fatalf("template = %d, want %d", got, TemplateSessionMessage)
	}
	out, err := DecodeSessionMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.LeadershipTermID != 3 || out.ClusterSessionID != 42 || out.Timestamp != 9999 {
		t.Fatalf("fixed fields mismatch: %+v", out)
	}
	if !bytes.Equal(out.Payload, []byte("hello")) {
		t.Fatalf("payload = %q", out.Payload)
	}
}

func TestDecode_TemplateMismatch(t *testing.T) {
	v := Vote{CandidateTermID: 1, CandidateMemberID: 2, FollowerMemberID: 0, Vote: true}
	if _, err := DecodeRequestVote(v.Encode()); err == nil {
		t.Fatalf("expected template mismatch error")
	}
}

func TestDecode_Truncated(t *testing.T) {
	m := NewLeadershipTerm{LeadershipTermID: 7, LogPosition: 1024, LeaderMemberID: 1}
	buf := m.Encode()
	if _, err := DecodeNewLeadershipTerm(buf[:len(buf)-4]); err == nil {
		t.Fatalf("expected truncation error")
	}
}

func TestSnapshotRecordings_RepeatingGroup(t *testing.T) {
	in := SnapshotRecordings{
		CorrelationID: 55,
		MemberID:      3,
		Snapshots: []SnapshotRecordingEntry{
			{RecordingID: 10, LeadershipTermID: 2, LogPosition: 640, ServiceID: 0},
			{RecordingID: 11, LeadershipTermID: 2, LogPosition: 640, ServiceID: ConsensusModuleServiceID},
		},
	}
	out, err := DecodeSnapshotRecordings(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Snapshots) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(out.Snapshots))
	}
	if out.Snapshots[1].ServiceID != ConsensusModuleServiceID {
		t.Fatalf("service id = %d", out.Snapshots[1].ServiceID)
	}
}

func TestMembershipChangeEvent_CarriesMemberList(t *testing.T) {
	members := "0,c0,m0,l0,t0,a0|1,c1,m1,l1,t1,a1"
	in := MembershipChangeEvent{LeadershipTermID: 1, ChangeType: ChangeJoin, MemberID: 1, ClusterMembers: members}
	out, err := DecodeMembershipChangeEvent(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ClusterMembers != members {
		t.Fatalf("members = %q", out.ClusterMembers)
	}
	if out.ChangeType != ChangeJoin {
		t.Fatalf("change type = %v", out.ChangeType)
	}
}

func TestSemanticVersion(t *testing.T) {
	v := SemanticVersionCompose(2, 3, 4)
	if SemanticVersionMajor(v) != 2 {
		t.Fatalf("major = %d", SemanticVersionMajor(v))
	}
}
