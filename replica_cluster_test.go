package replica

import (
	"testing"

	"github.com/go-test/deep"
)

func TestClusterViewMutations(t *testing.T) {

	v := newClusterView(Replica{ID: 2, URL: "http://b"})

	var changes []bool
	v.onChange = func(leader bool, followers []Replica) {
		changes = append(changes, leader)
	}

	if !v.Leader().IsNone() || v.IsLeader() {
		t.Fatal("expected no leader at start")
	}

	v.setLeader(Replica{ID: 2, URL: "http://b"})
	if !v.IsLeader() {
		t.Fatal("expected to lead")
	}

	v.addFollowers([]Replica{{ID: 3, URL: "http://c"}, {ID: 1, URL: "http://a"}, {ID: 2, URL: "http://b"}})
	expected := []Replica{{ID: 1, URL: "http://a"}, {ID: 3, URL: "http://c"}}
	if diff := deep.Equal(v.Followers(), expected); diff != nil {
		t.Errorf("self must never be its own follower: %v", diff)
	}

	v.removeFollowers([]Replica{{ID: 3}})
	if diff := deep.Equal(v.Followers(), expected[:1]); diff != nil {
		t.Error(diff)
	}

	// Re-confirming leadership keeps followers.
	v.setLeader(Replica{ID: 2, URL: "http://b"})
	if len(v.Followers()) != 1 {
		t.Errorf("expected follower kept on re-election, got %v", v.Followers())
	}

	// Losing leadership drops them.
	v.setLeader(Replica{ID: 3, URL: "http://c"})
	if v.IsLeader() || len(v.Followers()) != 0 {
		t.Errorf("expected demotion to clear followers, got %v", v.Followers())
	}

	if diff := deep.Equal(changes, []bool{true, true, true, true, false}); diff != nil {
		t.Error(diff)
	}
}
