package replica

import (
	"sort"
	"sync"
)

// clusterView is what a replica believes about the cluster: who it is, who leads, and, on the leader, who
// follows. It is mutated only on instruction from the coordinator (updateLeaderNode, updateFollowerNodes) and
// read by the replication engines to find their fan out set. Readers get copies; no lock is held across calls.
type clusterView struct {
	mu        sync.RWMutex
	local     Replica
	leader    Replica
	followers map[int64]Replica
	// onChange is invoked, outside the lock, after each mutation.
	onChange func(leader bool, followers []Replica)
}

func newClusterView(local Replica) *clusterView {
	return &clusterView{
		local:     local,
		leader:    NoLeader,
		followers: map[int64]Replica{},
	}
}

func (v *clusterView) logKV() []interface{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return []interface{}{"localID", v.local.ID, "leaderID", v.leader.ID, "followers", len(v.followers)}
}

// Local returns the identity of this replica.
func (v *clusterView) Local() Replica {
	return v.local
}

// Leader returns the replica believed to be leader, NoLeader if none.
func (v *clusterView) Leader() Replica {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.leader
}

// IsLeader is true if this replica believes it is leader.
func (v *clusterView) IsLeader() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return !v.leader.IsNone() && v.leader.ID == v.local.ID
}

// Followers returns the follower set in id order. It is only populated on the leader.
func (v *clusterView) Followers() []Replica {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.followersLocked()
}

func (v *clusterView) followersLocked() []Replica {
	out := make([]Replica, 0, len(v.followers))
	for _, f := range v.followers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// setLeader records the new leader. Losing leadership drops the follower set; it belongs to the leader.
func (v *clusterView) setLeader(leader Replica) {
	v.mu.Lock()
	wasLeader := !v.leader.IsNone() && v.leader.ID == v.local.ID
	v.leader = leader
	isLeader := !leader.IsNone() && leader.ID == v.local.ID
	if wasLeader && !isLeader {
		v.followers = map[int64]Replica{}
	}
	delete(v.followers, v.local.ID)
	followers := v.followersLocked()
	v.mu.Unlock()

	v.changed(isLeader, followers)
}

// addFollowers adds replicas to the follower set. The local replica is never its own follower.
func (v *clusterView) addFollowers(replicas []Replica) {
	v.mu.Lock()
	for _, r := range replicas {
		if r.ID == v.local.ID {
			continue
		}
		v.followers[r.ID] = r
	}
	isLeader := !v.leader.IsNone() && v.leader.ID == v.local.ID
	followers := v.followersLocked()
	v.mu.Unlock()

	v.changed(isLeader, followers)
}

func (v *clusterView) removeFollowers(replicas []Replica) {
	v.mu.Lock()
	for _, r := range replicas {
		delete(v.followers, r.ID)
	}
	isLeader := !v.leader.IsNone() && v.leader.ID == v.local.ID
	followers := v.followersLocked()
	v.mu.Unlock()

	v.changed(isLeader, followers)
}

func (v *clusterView) changed(isLeader bool, followers []Replica) {
	if v.onChange != nil {
		v.onChange(isLeader, followers)
	}
}
