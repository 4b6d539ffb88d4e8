package recording

// RecoveryPlan is the latest-snapshot-plus-tail-log view used to restore
// state on start.
type RecoveryPlan struct {
	LastLeadershipTermID int64
	AppendedLogPosition  int64
	// Snapshots holds the latest valid snapshot per service id, including
	// the consensus module's own entry (ServiceID -1). Empty when no
	// complete snapshot group exists.
	Snapshots []Entry
	// Log is the term entry whose recording tail must be replayed, if any.
	Log *Entry
}

// HasReplay reports whether the plan includes a non-empty log tail.
func (p *RecoveryPlan) HasReplay() bool {
	if p.Log == nil {
		return false
	}
	start := p.Log.TermBaseLogPosition
	for _, s := range p.Snapshots {
		if s.LogPosition > start {
			start = s.LogPosition
		}
	}
	return p.AppendedLogPosition > start
}

// SnapshotLogPosition returns the position of the snapshot group, or -1.
func (p *RecoveryPlan) SnapshotLogPosition() int64 {
	if len(p.Snapshots) == 0 {
		return NullPosition
	}
	return p.Snapshots[0].LogPosition
}

// ModuleSnapshot returns the consensus module's own snapshot entry.
func (p *RecoveryPlan) ModuleSnapshot() (Entry, bool) {
	for _, s := range p.Snapshots {
		if s.ServiceID == -1 {
			return s, true
		}
	}
	return Entry{}, false
}

// ServiceSnapshot returns the snapshot entry for a service id.
func (p *RecoveryPlan) ServiceSnapshot(serviceID int32) (Entry, bool) {
	for _, s := range p.Snapshots {
		if s.ServiceID == serviceID {
			return s, true
		}
	}
	return Entry{}, false
}

// NewRecoveryPlan derives the plan from the log: the newest snapshot group
// that is complete for all service ids 0..serviceCount-1 plus the module
// itself, and the last term entry as the replay tail. When lastAppended is
// NullPosition, the appended position is the last term entry's closed log
// position, or its base position if the term is still open. It is never
// below the snapshot group's position.
func (l *Log) NewRecoveryPlan(serviceCount int, ignoreSnapshots bool, lastAppended int64) RecoveryPlan {
	plan := RecoveryPlan{
		LastLeadershipTermID: -1,
		AppendedLogPosition:  0,
	}

	if !ignoreSnapshots {
		plan.Snapshots = l.latestSnapshotGroup(serviceCount)
	}

	if e, ok := l.lastTerm(); ok {
		plan.LastLeadershipTermID = e.LeadershipTermID
		term := e
		plan.Log = &term
		if lastAppended != NullPosition {
			plan.AppendedLogPosition = lastAppended
		} else if e.LogPosition != NullPosition {
			plan.AppendedLogPosition = e.LogPosition
		} else {
			plan.AppendedLogPosition = e.TermBaseLogPosition
		}
	}
	if pos := plan.SnapshotLogPosition(); pos > plan.AppendedLogPosition {
		plan.AppendedLogPosition = pos
	}
	return plan
}

// latestSnapshotGroup finds the newest (term, position) group with a
// snapshot per service id plus one for the module itself.
func (l *Log) latestSnapshotGroup(serviceCount int) []Entry {
	type groupKey struct {
		term     int64
		position int64
	}
	groups := make(map[groupKey][]Entry)
	var order []groupKey
	for _, e := range l.entries {
		if e.Type != EntrySnapshot {
			continue
		}
		k := groupKey{e.LeadershipTermID, e.LogPosition}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}
	for i := len(order) - 1; i >= 0; i-- {
		g := groups[order[i]]
		if isCompleteGroup(g, serviceCount) {
			return g
		}
	}
	return nil
}

func isCompleteGroup(g []Entry, serviceCount int) bool {
	haveModule := false
	services := make(map[int32]bool)
	for _, e := range g {
		if e.ServiceID == -1 {
			haveModule = true
		} else {
			services[e.ServiceID] = true
		}
	}
	if !haveModule {
		return false
	}
	for id := int32(0); id < int32(serviceCount); id++ {
		if !services[id] {
			return false
		}
	}
	return true
}
