package cluster

import "testing"

func TestTimerService_FiresInDeadlineThenInsertionOrder(t *testing.T) {
	var fired []int64
	ts := NewTimerService(func(id int64) bool {
		fired = append(fired, id)
		return true
	})
	ts.Schedule(1, 100)
	ts.Schedule(2, 50)
	ts.Schedule(3, 100)

	if n := ts.Poll(49); n != 0 {
		t.Fatalf("fired %d before any deadline", n)
	}
	if n := ts.Poll(100); n != 3 {
		t.Fatalf("fired = %d, want 3", n)
	}
	want := []int64{2, 1, 3}
	for i, id := range want {
		if fired[i] != id {
			t.Fatalf("fire order = %v, want %v", fired, want)
		}
	}
}

func TestTimerService_ScheduleAfterFireIsAbsorbed(t *testing.T) {
	count := 0
	ts := NewTimerService(func(int64) bool { count++; return true })
	ts.Schedule(9, 10)
	if ts.Poll(10) != 1 {
		t.Fatalf("timer did not fire")
	}
	// replayed schedule for the already-fired timer must not install
	ts.Schedule(9, 10)
	if ts.Size() != 0 {
		t.Fatalf("schedule after fire installed a timer")
	}
	// a further schedule is a fresh timer again
	ts.Schedule(9, 20)
	if ts.Size() != 1 {
		t.Fatalf("fresh schedule not installed")
	}
	if ts.Poll(20) != 1 || count != 2 {
		t.Fatalf("fresh timer did not fire: count=%d", count)
	}
}

func TestTimerService_Cancel(t *testing.T) {
	ts := NewTimerService(func(int64) bool { t.Fatalf("cancelled timer fired"); return true })
	ts.Schedule(5, 10)
	if !ts.Cancel(5) {
		t.Fatalf("cancel existing = false")
	}
	if ts.Cancel(5) {
		t.Fatalf("cancel missing = true")
	}
	ts.Poll(100)
}

func TestTimerService_BackPressureStopsPoll(t *testing.T) {
	calls := 0
	ts := NewTimerService(func(int64) bool {
		calls++
		return false
	})
	ts.Schedule(1, 10)
	ts.Schedule(2, 10)
	if n := ts.Poll(10); n != 0 {
		t.Fatalf("fired = %d under back pressure", n)
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	if ts.Size() != 2 {
		t.Fatalf("timers lost under back pressure")
	}
}

func TestTimerService_SnapshotInsertionOrder(t *testing.T) {
	ts := NewTimerService(func(int64) bool { return true })
	ts.Schedule(3, 300)
	ts.Schedule(1, 100)
	ts.Schedule(2, 200)
	var ids []int64
	ts.Snapshot(func(id, _ int64) { ids = append(ids, id) })
	want := []int64{3, 1, 2}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("snapshot order = %v, want %v", ids, want)
		}
	}
}
