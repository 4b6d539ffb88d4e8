package cluster

import (
	"fmt"
	"testing"
)

func TestPendingServiceMessages_DrainInOrder(t *testing.T) {
	p := newPendingServiceMessages(4)
	for i := 0; i < 3; i++ {
		p.append(minServiceSessionID+int64(i), []byte(fmt.Sprintf("m%d", i)))
	}
	var got []string
	n := p.drain(10, func(_ int64, payload []byte) bool {
		got = append(got, string(payload))
		return true
	})
	if n != 3 {
		t.Fatalf("drained = %d", n)
	}
	for i, want := range []string{"m0", "m1", "m2"} {
		if got[i] != want {
			t.Fatalf("order = %v", got)
		}
	}
	// drained entries are not re-offered
	if p.drain(10, func(int64, []byte) bool { return true }) != 0 {
		t.Fatalf("re-drained appended entries")
	}
	if p.size() != 3 {
		t.Fatalf("entries discarded before sweep")
	}
}

func TestPendingServiceMessages_BackPressure(t *testing.T) {
	p := newPendingServiceMessages(4)
	p.append(minServiceSessionID, []byte("a"))
	p.append(minServiceSessionID+1, []byte("b"))
	calls := 0
	p.drain(10, func(int64, []byte) bool {
		calls++
		return false
	})
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
	// nothing marked appended; retry sees the same first message
	var first string
	p.drain(1, func(_ int64, payload []byte) bool {
		first = string(payload)
		return true
	})
	if first != "a" {
		t.Fatalf("reordered after back pressure: %q", first)
	}
}

func TestPendingServiceMessages_Sweep(t *testing.T) {
	p := newPendingServiceMessages(2)
	for i := 0; i < 5; i++ { // forces growth
		p.append(minServiceSessionID+int64(i), []byte{byte(i)})
	}
	if p.sweep(minServiceSessionID+2) != 3 {
		t.Fatalf("sweep count wrong")
	}
	if p.size() != 2 {
		t.Fatalf("size = %d after sweep", p.size())
	}
	var ids []int64
	p.forEach(func(id int64, _ []byte) { ids = append(ids, id) })
	if ids[0] != minServiceSessionID+3 || ids[1] != minServiceSessionID+4 {
		t.Fatalf("remaining ids = %v", ids)
	}
}

func TestPendingServiceMessages_Reset(t *testing.T) {
	p := newPendingServiceMessages(2)
	p.append(minServiceSessionID, []byte("x"))
	p.reset(8)
	if p.size() != 0 || p.capacity() != 8 {
		t.Fatalf("reset: size=%d cap=%d", p.size(), p.capacity())
	}
}
