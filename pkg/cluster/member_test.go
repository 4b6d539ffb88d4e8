package cluster

import "testing"

const threeMembers = "0,c0:1,m0:1,l0:1,t0:1,a0:1|1,c1:1,m1:1,l1:1,t1:1,a1:1|2,c2:1,m2:1,l2:1,t2:1,a2:1"

func TestParseMembers_RoundTrip(t *testing.T) {
	members, err := ParseMembers(threeMembers)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("members = %d, want 3", len(members))
	}
	if members[1].ID != 1 || members[1].LogEndpoint != "l1:1" {
		t.Fatalf("member 1 = %+v", members[1])
	}
	if got := EncodeMembers(members); got != threeMembers {
		t.Fatalf("encode = %q", got)
	}
}

func TestParseMembers_Empty(t *testing.T) {
	members, err := ParseMembers("")
	if err != nil || members != nil {
		t.Fatalf("empty parse: %v %v", members, err)
	}
}

func TestParseMembers_Errors(t *testing.T) {
	if _, err := ParseMembers("0,a,b,c"); err == nil {
		t.Fatalf("expected field-count error")
	}
	if _, err := ParseMembers("0,a,b,c,d,e|0,a,b,c,d,e"); err == nil {
		t.Fatalf("expected duplicate-id error")
	}
	if _, err := ParseMembers("x,a,b,c,d,e"); err == nil {
		t.Fatalf("expected id parse error")
	}
}

func TestQuorumPosition(t *testing.T) {
	members, _ := ParseMembers(threeMembers)
	members[0].AppendedLogPosition = 960
	members[1].AppendedLogPosition = 640
	members[2].AppendedLogPosition = 320
	// a strict quorum (2 of 3) has appended >= 640
	if got := quorumPosition(members); got != 640 {
		t.Fatalf("quorum position = %d, want 640", got)
	}
	members[2].AppendedLogPosition = 960
	if got := quorumPosition(members); got != 960 {
		t.Fatalf("quorum position = %d, want 960", got)
	}
}

func TestHighMemberID(t *testing.T) {
	members, _ := ParseMembers(threeMembers)
	if got := highMemberID(members, -1); got != 2 {
		t.Fatalf("high member id = %d", got)
	}
	if got := highMemberID(nil, 5); got != 5 {
		t.Fatalf("floor ignored: %d", got)
	}
}
