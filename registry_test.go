package tlcp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestRegistry_EnqueueAssignsIncreasingIDs(t *testing.T) {
	r := newRegistry()
	sub := &Subscription{Items: []string{"Item1"}, Fields: []string{"Value"}}
	first := r.enqueue(sub)
	second := r.enqueue(sub)
	if first != 1 || second != 2 {
		t.Fatalf("enqueue() ids = %d, %d, want 1, 2", first, second)
	}
}

func TestRegistry_ConfirmAllocatesFieldTable(t *testing.T) {
	r := newRegistry()
	sub := &Subscription{Items: []string{"Item1", "Item2"}, Fields: []string{"Value", "Units"}}
	id := r.enqueue(sub)

	if err := r.confirm(id, 2, 2); err != nil {
		t.Fatalf("confirm() error = %v", err)
	}
	e, ok := r.get(id)
	if !ok {
		t.Fatal("get() after confirm: not found")
	}
	if !e.subscribed {
		t.Error("confirm() did not mark subscribed")
	}
	if name, ok := r.getItemName(id, 1); !ok || name != "Item1" {
		t.Errorf("getItemName(1) = %q, %v, want Item1, true", name, ok)
	}
	if name, ok := r.getFieldName(id, 2); !ok || name != "Units" {
		t.Errorf("getFieldName(2) = %q, %v, want Units, true", name, ok)
	}
}

func TestRegistry_ConfirmWithFieldSchemaSetsFieldCount(t *testing.T) {
	r := newRegistry()
	sub := &Subscription{ItemGroup: "group1", FieldSchema: "schema1"}
	id := r.enqueue(sub)

	if err := r.confirm(id, 2, 3); err != nil {
		t.Fatalf("confirm() error = %v", err)
	}
	e, ok := r.get(id)
	if !ok {
		t.Fatal("get() after confirm: not found")
	}
	if got := e.fieldCount(); got != 3 {
		t.Errorf("fieldCount() = %d, want 3 (the server-reported count, since FieldSchema declares no field names)", got)
	}
}

func TestRegistry_ConfirmRejectsItemCountMismatch(t *testing.T) {
	r := newRegistry()
	sub := &Subscription{Items: []string{"Item1"}, Fields: []string{"Value"}}
	id := r.enqueue(sub)

	err := r.confirm(id, 2, 1)
	if err == nil {
		t.Fatal("confirm() with mismatched item count: want error, got nil")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Errorf("confirm() error type = %T, want *ProtocolError", err)
	}
	e, _ := r.get(id)
	if !e.invalid {
		t.Error("confirm() with mismatched count did not mark invalid")
	}
}

func TestRegistry_CancelPendingBeforeSend(t *testing.T) {
	r := newRegistry()
	sub := &Subscription{Items: []string{"Item1"}, Fields: []string{"Value"}}
	id := r.enqueue(sub)

	if !r.cancelPending(id) {
		t.Fatal("cancelPending() on unsent add: want true")
	}
	if got := r.flushPending(); len(got) != 0 {
		t.Errorf("flushPending() after cancel = %v, want empty", got)
	}
}

func TestRegistry_FlushPendingPreservesOrder(t *testing.T) {
	r := newRegistry()
	sub := &Subscription{Items: []string{"Item1"}, Fields: []string{"Value"}}
	a := r.enqueue(sub)
	b := r.enqueue(sub)
	c := r.enqueue(sub)

	got := r.flushPending()
	want := []int{a, b, c}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("flushPending() order mismatch (-want +got):\n%s", diff)
	}
	if second := r.flushPending(); len(second) != 0 {
		t.Errorf("flushPending() called twice = %v, want empty the second time", second)
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := newRegistry()
	sub := &Subscription{Items: []string{"Item1"}, Fields: []string{"Value"}}
	id := r.enqueue(sub)
	_ = r.confirm(id, 1, 1)

	r.remove(id)
	if _, ok := r.get(id); ok {
		t.Error("get() after remove: still found")
	}
}
