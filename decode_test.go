package tlcp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func setupConfirmedSubscription(t *testing.T, fields []string) (*registry, int) {
	t.Helper()
	r := newRegistry()
	sub := &Subscription{Items: []string{"Item1"}, Fields: fields}
	id := r.enqueue(sub)
	if err := r.confirm(id, 1, len(fields)); err != nil {
		t.Fatalf("confirm() error = %v", err)
	}
	return r, id
}

func TestDecodeUpdate_LiteralAndUnchanged(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A", "B", "C"})

	update, err := decodeUpdate(reg, id, 1, "1.5||3")
	if err != nil {
		t.Fatalf("decodeUpdate() error = %v", err)
	}
	wantFields := map[string]string{"A": "1.5", "B": "", "C": "3"}
	if diff := cmp.Diff(wantFields, update.Fields); diff != "" {
		t.Errorf("Fields mismatch (-want +got):\n%s", diff)
	}
	wantChanged := map[string]bool{"A": true, "C": true}
	if diff := cmp.Diff(wantChanged, update.Changed); diff != "" {
		t.Errorf("Changed mismatch (-want +got):\n%s", diff)
	}
	if !update.IsSnapshot {
		t.Error("IsSnapshot = false before EOS, want true")
	}
}

func TestDecodeUpdate_HashIsEmptyString(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A"})

	update, err := decodeUpdate(reg, id, 1, "#")
	if err != nil {
		t.Fatalf("decodeUpdate() error = %v", err)
	}
	if update.Fields["A"] != "" || !update.Present["A"] {
		t.Errorf("Fields[A] = %q, Present[A] = %v, want \"\", true", update.Fields["A"], update.Present["A"])
	}
}

func TestDecodeUpdate_DollarIsNull(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A"})

	update, err := decodeUpdate(reg, id, 1, "$")
	if err != nil {
		t.Fatalf("decodeUpdate() error = %v", err)
	}
	if update.Present["A"] {
		t.Error("Present[A] = true for a $ token, want false")
	}
}

func TestDecodeUpdate_SkipToken(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A", "B", "C", "D"})

	update, err := decodeUpdate(reg, id, 1, "x|^2|y")
	if err != nil {
		t.Fatalf("decodeUpdate() error = %v", err)
	}
	wantChanged := map[string]bool{"A": true, "D": true}
	if diff := cmp.Diff(wantChanged, update.Changed); diff != "" {
		t.Errorf("Changed mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeUpdate_EscapedPipeAndBackslash(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A"})

	// "a\pb\\c" escaped for the wire, then percent-encoded.
	update, err := decodeUpdate(reg, id, 1, `a%5Cpb%5C%5Cc`)
	if err != nil {
		t.Fatalf("decodeUpdate() error = %v", err)
	}
	if got, want := update.Fields["A"], `a|b\c`; got != want {
		t.Errorf("Fields[A] = %q, want %q", got, want)
	}
}

func TestDecodeUpdate_PlusIsLiteralNotSpace(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A"})

	update, err := decodeUpdate(reg, id, 1, "a+b")
	if err != nil {
		t.Fatalf("decodeUpdate() error = %v", err)
	}
	if got, want := update.Fields["A"], "a+b"; got != want {
		t.Errorf("Fields[A] = %q, want %q (PathUnescape must not turn + into a space)", got, want)
	}
}

func TestDecodeUpdate_FieldSchemaUsesConfirmedFieldCount(t *testing.T) {
	r := newRegistry()
	sub := &Subscription{ItemGroup: "group1", FieldSchema: "schema1"}
	id := r.enqueue(sub)
	if err := r.confirm(id, 1, 2); err != nil {
		t.Fatalf("confirm() error = %v", err)
	}

	update, err := decodeUpdate(r, id, 1, "1|2")
	if err != nil {
		t.Fatalf("decodeUpdate() error = %v", err)
	}
	if got, want := len(update.Fields), 2; got != want {
		t.Errorf("len(Fields) = %d, want %d", got, want)
	}
}

func TestDecodeUpdate_JSONPatch(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A"})

	if _, err := decodeUpdate(reg, id, 1, `%7B%22x%22%3A1%7D`); err != nil { // {"x":1}
		t.Fatalf("seed decodeUpdate() error = %v", err)
	}

	patch := `%5B%7B%22op%22%3A%22replace%22%2C%22path%22%3A%22%2Fx%22%2C%22value%22%3A2%7D%5D` // [{"op":"replace","path":"/x","value":2}]
	update, err := decodeUpdate(reg, id, 1, "^P"+patch)
	if err != nil {
		t.Fatalf("decodeUpdate() with patch error = %v", err)
	}
	if got, want := update.Fields["A"], `{"x":2}`; got != want {
		t.Errorf("Fields[A] = %q, want %q", got, want)
	}
}

func TestDecodeUpdate_PatchOnNullFails(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A"})
	if _, err := decodeUpdate(reg, id, 1, "$"); err != nil {
		t.Fatalf("seed decodeUpdate() error = %v", err)
	}

	_, err := decodeUpdate(reg, id, 1, "^P%5B%5D")
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("decodeUpdate() on null field with patch: err = %v, want *ProtocolError", err)
	}
}

func TestDecodeUpdate_TLCPDiffUnsupported(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A"})

	_, err := decodeUpdate(reg, id, 1, "^Tsomething")
	if _, ok := err.(*UnsupportedEncoding); !ok {
		t.Fatalf("decodeUpdate() with ^T token: err = %v, want *UnsupportedEncoding", err)
	}
}

func TestDecodeUpdate_FieldCountMismatch(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A", "B"})

	_, err := decodeUpdate(reg, id, 1, "only-one")
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("decodeUpdate() with short update: err = %v, want *ProtocolError", err)
	}
}

func TestDecodeUpdate_EOSMarksSnapshotComplete(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A"})

	first, err := decodeUpdate(reg, id, 1, "x")
	if err != nil {
		t.Fatalf("decodeUpdate() error = %v", err)
	}
	if !first.IsSnapshot {
		t.Error("IsSnapshot = false before EOS, want true")
	}

	if err := applyEOS(reg, id, 1); err != nil {
		t.Fatalf("applyEOS() error = %v", err)
	}
	second, err := decodeUpdate(reg, id, 1, "y")
	if err != nil {
		t.Fatalf("decodeUpdate() error = %v", err)
	}
	if second.IsSnapshot {
		t.Error("IsSnapshot = true after EOS, want false")
	}
}

func TestApplyCS_ClearsFieldTable(t *testing.T) {
	reg, id := setupConfirmedSubscription(t, []string{"A"})
	if _, err := decodeUpdate(reg, id, 1, "x"); err != nil {
		t.Fatalf("decodeUpdate() error = %v", err)
	}
	if err := applyCS(reg, id, 1); err != nil {
		t.Fatalf("applyCS() error = %v", err)
	}
	e, _ := reg.get(id)
	if len(e.fields[1]) != 0 {
		t.Errorf("fields after CS = %v, want empty", e.fields[1])
	}
}
