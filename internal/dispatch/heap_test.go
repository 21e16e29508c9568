package dispatch

import (
	"math/rand"
	"sort"
	"testing"
	"time"
)

func TestQueuePopOrder(t *testing.T) {
	t.Parallel()
	base := time.Unix(1000, 0)

	type key struct {
		id       int64
		at       time.Time
		priority int
	}
	keys := []key{
		{id: 1, at: base.Add(3 * time.Second), priority: 0},
		{id: 2, at: base, priority: 1},
		{id: 3, at: base, priority: 9},
		{id: 4, at: base, priority: 9}, // same instant and priority as 3: id wins
		{id: 5, at: base.Add(time.Second), priority: 0},
		{id: 6, at: base.Add(time.Second), priority: 5},
		{id: 7, at: base.Add(2 * time.Second), priority: 0},
	}
	want := []int64{3, 4, 2, 6, 5, 7, 1}

	// Pop order must not depend on insertion order.
	for trial := 0; trial < 20; trial++ {
		q := newQueue()
		shuffled := append([]key(nil), keys...)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		for _, k := range shuffled {
			q.add(k.id, k.at, k.priority)
		}

		var got []int64
		for {
			it, ok := q.popDue(base.Add(time.Hour))
			if !ok {
				break
			}
			got = append(got, it.id)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("trial %d: pop order %v, want %v", trial, got, want)
			}
		}
	}
}

func TestQueuePopDueRespectsNow(t *testing.T) {
	t.Parallel()
	base := time.Unix(1000, 0)
	q := newQueue()
	q.add(1, base, 0)
	q.add(2, base.Add(time.Minute), 0)

	if it, ok := q.popDue(base); !ok || it.id != 1 {
		t.Fatalf("popDue(base) = %v, %v", it, ok)
	}
	if _, ok := q.popDue(base); ok {
		t.Fatal("future item popped early")
	}
	if id, at, ok := q.peek(); !ok || id != 2 || !at.Equal(base.Add(time.Minute)) {
		t.Fatalf("peek = %d %v %v", id, at, ok)
	}
}

func TestQueueAddReschedules(t *testing.T) {
	t.Parallel()
	base := time.Unix(1000, 0)
	q := newQueue()
	q.add(1, base.Add(time.Hour), 0)
	q.add(2, base.Add(time.Minute), 0)

	// Re-adding an id moves it instead of duplicating it.
	q.add(1, base, 0)
	if q.len() != 2 {
		t.Fatalf("len = %d, want 2", q.len())
	}
	if it, ok := q.popDue(base); !ok || it.id != 1 {
		t.Fatal("rescheduled item not at the head")
	}
}

func TestQueueRemove(t *testing.T) {
	t.Parallel()
	base := time.Unix(1000, 0)
	q := newQueue()
	for i := int64(1); i <= 5; i++ {
		q.add(i, base.Add(time.Duration(i)*time.Second), 0)
	}
	if !q.remove(3) {
		t.Fatal("remove(3) = false")
	}
	if q.remove(3) {
		t.Fatal("second remove(3) = true")
	}

	var got []int64
	for {
		it, ok := q.popDue(base.Add(time.Hour))
		if !ok {
			break
		}
		got = append(got, it.id)
	}
	want := []int64{1, 2, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i] < got[j] }) {
		t.Fatalf("pop order broken after remove: %v", got)
	}
}

func TestQueueReplaceAll(t *testing.T) {
	t.Parallel()
	base := time.Unix(1000, 0)
	q := newQueue()
	q.add(1, base, 0)
	q.add(2, base, 0)

	q.replaceAll([]*item{
		{id: 10, at: base.Add(2 * time.Second)},
		{id: 11, at: base.Add(time.Second)},
	})
	if q.len() != 2 {
		t.Fatalf("len = %d, want 2", q.len())
	}
	it, ok := q.popDue(base.Add(time.Hour))
	if !ok || it.id != 11 {
		t.Fatalf("head after replace = %v, want 11", it)
	}
	if q.remove(1) {
		t.Fatal("stale id survived replaceAll")
	}
}
