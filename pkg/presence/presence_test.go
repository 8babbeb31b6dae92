package presence

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestUsersAreDistinctPerNote(t *testing.T) {
	r := New()
	r.Add("c1", "abc", "alice")
	r.Add("c2", "abc", "alice")
	r.Add("c3", "abc", "bob")
	r.Add("c4", "xyz", "carol")

	if got := r.Users("abc"); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("unexpected users %v", got)
	}
	if got := r.Users("nothing"); len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestRemoveIsImmediate(t *testing.T) {
	r := New()
	r.Add("c1", "abc", "alice")
	r.Add("c2", "abc", "alice")
	r.Add("c3", "abc", "bob")

	r.Remove("c3")
	if got := r.Users("abc"); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("bob should be gone right after close, got %v", got)
	}
	r.Remove("c1")
	if got := r.Users("abc"); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("alice still has c2, got %v", got)
	}
	r.Remove("c2")
	r.Remove("c2")
	if got := r.Users("abc"); len(got) != 0 {
		t.Fatalf("expected nobody, got %v", got)
	}
	if r.Connections() != 0 {
		t.Fatalf("expected no connections, got %d", r.Connections())
	}
}

func TestReAddMovesConnection(t *testing.T) {
	r := New()
	r.Add("c1", "abc", "alice")
	r.Add("c1", "xyz", "alice")
	if got := r.Users("abc"); len(got) != 0 {
		t.Fatalf("connection should have moved, got %v", got)
	}
	if got := r.Users("xyz"); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("unexpected users %v", got)
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Add(id, "abc", fmt.Sprintf("u%d", i%5))
			_ = r.Users("abc")
			r.Remove(id)
		}(i)
	}
	wg.Wait()
	if r.Connections() != 0 || len(r.Users("abc")) != 0 {
		t.Fatalf("registry not empty after all removals")
	}
}
