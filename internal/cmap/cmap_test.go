package cmap_test

import (
	"testing"

	"github.com/durner/anyblob-go/internal/cmap"
)

func TestInsertFindErase(t *testing.T) {
	m := cmap.New[string, int](4, cmap.HashString())

	if ok := m.Push("a", 1); !ok {
		t.Fatalf("expected Push to succeed on absent key")
	}
	if ok := m.Push("a", 2); ok {
		t.Fatalf("expected Push to fail on present key")
	}
	v, ok := m.Find("a")
	if !ok || v != 1 {
		t.Fatalf("got %v,%v want 1,true", v, ok)
	}

	m.Insert("a", 5)
	v, _ = m.Find("a")
	if v != 5 {
		t.Fatalf("Insert did not overwrite, got %v", v)
	}

	if !m.Erase("a") {
		t.Fatalf("expected Erase to find key")
	}
	if _, ok := m.Find("a"); ok {
		t.Fatalf("expected key gone after Erase")
	}
}

func TestBucketIteration(t *testing.T) {
	m := cmap.New[string, int](2, cmap.HashString())
	want := map[string]int{"a": 1, "b": 2, "c": 3, "d": 4}
	for k, v := range want {
		m.Insert(k, v)
	}

	got := map[string]int{}
	for i := 0; i < m.NumBuckets(); i++ {
		it := m.Bucket(i)
		for {
			k, v, ok := it.Next()
			if !ok {
				break
			}
			got[k] = v
		}
		it.Close()
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %s: got %v want %v", k, got[k], v)
		}
	}
}
