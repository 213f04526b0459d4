package boundedset

import "testing"

func TestPutAndContains(t *testing.T) {
	t.Parallel()
	s := New[uint64](4)
	if s.Contains(1) {
		t.Fatal("empty set should not contain 1")
	}
	if !s.Put(1) {
		t.Fatal("first put of 1 should return true")
	}
	if !s.Contains(1) {
		t.Fatal("set should contain 1 after put")
	}
}

func TestPutDuplicateIsNoOp(t *testing.T) {
	t.Parallel()
	s := New[uint64](4)
	s.Put(1)
	if s.Put(1) {
		t.Fatal("duplicate put should return false")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestEvictsOldestOnOverflow(t *testing.T) {
	t.Parallel()
	s := New[int](3)
	s.Put(1)
	s.Put(2)
	s.Put(3)
	s.Put(4) // should evict 1

	if s.Contains(1) {
		t.Fatal("1 should have been evicted")
	}
	for _, want := range []int{2, 3, 4} {
		if !s.Contains(want) {
			t.Fatalf("expected %d to still be present", want)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}
}

func TestNonPositiveCapacityTreatedAsOne(t *testing.T) {
	t.Parallel()
	s := New[int](0)
	s.Put(1)
	s.Put(2)
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
	if s.Contains(1) {
		t.Fatal("1 should have been evicted in a capacity-1 set")
	}
	if !s.Contains(2) {
		t.Fatal("2 should be present")
	}
}

func TestIterOrderIsOldestFirst(t *testing.T) {
	t.Parallel()
	s := New[int](5)
	for _, v := range []int{3, 1, 4, 1, 5} {
		s.Put(v)
	}
	var got []int
	s.Iter(func(x int) { got = append(got, x) })
	want := []int{3, 1, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
