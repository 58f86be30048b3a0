package types_test

import (
	"testing"

	"github.com/sipward/sipward/internal/types"
)

func TestCallbackManager(t *testing.T) {
	t.Parallel()

	var m types.CallbackManager[func(int)]

	var got []int
	remove1 := m.Add(func(v int) { got = append(got, v) })
	m.Add(func(v int) { got = append(got, v*10) })

	if n := m.Len(); n != 2 {
		t.Fatalf("m.Len() = %d, want 2", n)
	}

	m.Range(func(cb func(int)) { cb(1) })
	if want := []int{1, 10}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("callbacks got %v, want %v", got, want)
	}

	remove1()
	remove1() // idempotent

	if n := m.Len(); n != 1 {
		t.Fatalf("m.Len() after remove = %d, want 1", n)
	}

	got = nil
	m.Range(func(cb func(int)) { cb(2) })
	if len(got) != 1 || got[0] != 20 {
		t.Fatalf("callbacks got %v, want [20]", got)
	}
}

func TestCallbackManager_NilSafe(t *testing.T) {
	t.Parallel()

	var m *types.CallbackManager[func()]

	if n := m.Len(); n != 0 {
		t.Fatalf("m.Len() = %d, want 0", n)
	}
	m.Range(func(func()) {
		t.Fatal("unexpected callback")
	})
}
