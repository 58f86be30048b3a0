package types_test

import (
	"reflect"
	"testing"

	"github.com/sipward/sipward/internal/types"
)

func TestDeque_AppendDrain(t *testing.T) {
	t.Parallel()

	var d types.Deque[int]

	if out := d.Drain(); out != nil {
		t.Fatalf("dq.Drain() on empty deque = %v, want nil", out)
	}

	d.Append(10)
	d.Append(20)
	d.Append(30)

	if got := d.Len(); got != 3 {
		t.Fatalf("dq.Len() = %d, want 3", got)
	}

	out := d.Drain()
	if !reflect.DeepEqual(out, []int{10, 20, 30}) {
		t.Fatalf("dq.Drain() = %v, want [10 20 30]", out)
	}

	if got := d.Len(); got != 0 {
		t.Fatalf("dq.Len() after dq.Drain() = %d, want 0", got)
	}

	// mutate returned slice to ensure deque does not retain references
	out[0] = 99

	d.Append(40)
	if got := d.Drain(); !reflect.DeepEqual(got, []int{40}) {
		t.Fatalf("dq.Drain() after refill = %v, want [40]", got)
	}
}
