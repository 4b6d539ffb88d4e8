package cluster

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/amirimatin/go-quorum/pkg/transport"
)

// Member is one cluster member as tracked by every agent. Endpoint fields
// come from the member string; the remaining fields are leader-side runtime
// state.
type Member struct {
	ID                   int32
	ClientFacingEndpoint string
	MemberFacingEndpoint string
	LogEndpoint          string
	TransferEndpoint     string
	ArchiveEndpoint      string

	Publication transport.Publication

	AppendedLogPosition  int64
	CommitPosition       int64
	TimeOfLastAppendMs   int64
	CatchupReplayID      int64
	CatchupCorrelationID int64
	IsLeader             bool
	HasRequestedJoin     bool
	HasRequestedRemove   bool
	HasTerminationAck    bool
	RemovalPosition      int64
	CorrelationID        int64
}

func newMember(id int32, endpoints []string) *Member {
	return &Member{
		ID:                   id,
		ClientFacingEndpoint: endpoints[0],
		MemberFacingEndpoint: endpoints[1],
		LogEndpoint:          endpoints[2],
		TransferEndpoint:     endpoints[3],
		ArchiveEndpoint:      endpoints[4],
		AppendedLogPosition:  NullPosition,
		CommitPosition:       NullPosition,
		CatchupReplayID:      NullValue,
		CatchupCorrelationID: NullValue,
		RemovalPosition:      NullPosition,
		CorrelationID:        NullValue,
	}
}

// ParseMembers decodes the "id,client,member,log,transfer,archive|..." member
// string. An empty string yields an empty slice (dynamic join).
func ParseMembers(s string) ([]*Member, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []*Member
	seen := make(map[int32]bool)
	for _, part := range strings.Split(s, "|") {
		if part == "" {
			continue
		}
		fields := strings.Split(part, ",")
		if len(fields) != 6 {
			return nil, fmt.Errorf("cluster: member %q needs 6 fields", part)
		}
		id64, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("cluster: member id %q: %w", fields[0], err)
		}
		id := int32(id64)
		if id < 0 {
			return nil, fmt.Errorf("cluster: negative member id %d", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("cluster: duplicate member id %d", id)
		}
		seen[id] = true
		out = append(out, newMember(id, fields[1:]))
	}
	return out, nil
}

// EncodeMember renders one member in the member-string format.
func EncodeMember(m *Member) string {
	return fmt.Sprintf("%d,%s,%s,%s,%s,%s",
		m.ID, m.ClientFacingEndpoint, m.MemberFacingEndpoint, m.LogEndpoint, m.TransferEndpoint, m.ArchiveEndpoint)
}

// EncodeMembers renders a member list in the member-string format.
func EncodeMembers(members []*Member) string {
	parts := make([]string, 0, len(members))
	for _, m := range members {
		parts = append(parts, EncodeMember(m))
	}
	return strings.Join(parts, "|")
}

// ParseEndpoints decodes a bare "client,member,log,transfer,archive"
// endpoint list (no id), as carried by AddPassiveMember.
func ParseEndpoints(s string) ([]string, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 5 {
		return nil, fmt.Errorf("cluster: endpoints %q need 5 fields", s)
	}
	return fields, nil
}

func findMember(members []*Member, id int32) *Member {
	for _, m := range members {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func removeMember(members []*Member, id int32) []*Member {
	out := members[:0]
	for _, m := range members {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func highMemberID(members []*Member, floor int32) int32 {
	max := floor
	for _, m := range members {
		if m.ID > max {
			max = m.ID
		}
	}
	return max
}

// quorumThreshold is the number of members required for agreement.
func quorumThreshold(memberCount int) int { return memberCount/2 + 1 }

// quorumPosition returns the highest position appended on a quorum of
// members, i.e. the position the commit position may advance to.
func quorumPosition(members []*Member) int64 {
	if len(members) == 0 {
		return NullPosition
	}
	positions := make([]int64, 0, len(members))
	for _, m := range members {
		positions = append(positions, m.AppendedLogPosition)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] > positions[j] })
	return positions[quorumThreshold(len(positions))-1]
}
