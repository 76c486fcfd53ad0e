// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package room

import (
	"sort"
	"time"

	"github.com/element-hq/collabpod/types"
)

// PresenceTable is a room's user -> presence state map. Diffs are shallow
// field-level overwrites; LastActive is stamped here and never taken from
// the client. Not safe for concurrent use: the owning coordinator is the
// only mutator.
type PresenceTable struct {
	entries map[types.UserID]*presenceEntry
	ttl     time.Duration
	clock   func() int64
}

type presenceEntry struct {
	fields     map[string]interface{}
	lastActive int64
}

func NewPresenceTable(ttl time.Duration) *PresenceTable {
	return &PresenceTable{
		entries: make(map[types.UserID]*presenceEntry),
		ttl:     ttl,
		clock:   types.NowMS,
	}
}

// ApplyDiff merges a diff into the user's entry and returns the effective
// entry. A sourceTS of zero marks a local diff: the table stamps it with a
// fresh monotonic time. A non-zero sourceTS marks a peer diff, which is
// rejected (applied=false) when older than the stored LastActive so stale
// replays cannot move presence backwards.
func (p *PresenceTable) ApplyDiff(userID types.UserID, fields map[string]interface{}, sourceTS int64) (types.PresenceEntry, bool) {
	entry, ok := p.entries[userID]
	if !ok {
		entry = &presenceEntry{fields: make(map[string]interface{})}
	}

	stamp := sourceTS
	if stamp == 0 {
		stamp = p.clock()
		if stamp <= entry.lastActive {
			stamp = entry.lastActive + 1
		}
	} else if ok && stamp < entry.lastActive {
		return p.effective(userID, entry), false
	}

	for k, v := range fields {
		if v == nil {
			delete(entry.fields, k)
			continue
		}
		entry.fields[k] = v
	}
	entry.lastActive = stamp
	p.entries[userID] = entry
	return p.effective(userID, entry), true
}

// Remove deletes the user's entry, reporting whether one existed. The
// caller emits the tombstone, exactly once per true return.
func (p *PresenceTable) Remove(userID types.UserID) bool {
	if _, ok := p.entries[userID]; !ok {
		return false
	}
	delete(p.entries, userID)
	return true
}

// Snapshot lists all entries, ordered by user ID so replicas produce
// identical sync payloads for identical state.
func (p *PresenceTable) Snapshot() []types.PresenceEntry {
	out := make([]types.PresenceEntry, 0, len(p.entries))
	for userID, entry := range p.entries {
		out = append(out, p.effective(userID, entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ExpireStale removes entries whose TTL has elapsed at now (monotonic ms)
// and returns the removed user IDs for tombstone emission.
func (p *PresenceTable) ExpireStale(now int64) []types.UserID {
	var removed []types.UserID
	for userID, entry := range p.entries {
		if now-entry.lastActive >= p.ttl.Milliseconds() {
			delete(p.entries, userID)
			removed = append(removed, userID)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed
}

func (p *PresenceTable) Len() int {
	return len(p.entries)
}

func (p *PresenceTable) effective(userID types.UserID, entry *presenceEntry) types.PresenceEntry {
	fields := make(map[string]interface{}, len(entry.fields))
	for k, v := range entry.fields {
		fields[k] = v
	}
	return types.PresenceEntry{UserID: userID, Fields: fields, LastActive: entry.lastActive}
}
