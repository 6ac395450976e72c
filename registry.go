package tlcp

import "fmt"

// pendingAdd is a queued subscribe request awaiting SESSION_OPEN, or
// awaiting its REQOK/REQERR/SUBOK round-trip once sent.
type pendingAdd struct {
	subID int
	sent  bool
}

// entry is the registry's owned record for one subscription. Only the
// session driver touches it, so it carries no lock.
type entry struct {
	sub        *Subscription
	active     bool // set by confirm() when SUBOK arrives, even if the counts mismatch
	subscribed bool // true once SUBOK confirmed it
	invalid    bool // true if SUBOK's counts mismatched the declaration

	itemNames  []string             // index 1..n, empty when the subscription used ItemGroup
	fieldNames []string             // index 1..n, empty when the subscription used FieldSchema
	nFields    int                  // server-confirmed field count, set in confirm()
	fields     []map[string]string  // per item, field name -> current value
	present    []map[string]bool    // per item, field name -> currently non-null

	snapshotCompleteByItem map[int]bool
}

// registry is the `sub_id -> Subscription` mapping:
// O(1) lookup, a monotonic id counter, and an ordered pending-add list
// flushed on SESSION_OPEN. It performs no I/O; the session driver calls
// it synchronously from its own task.
type registry struct {
	nextID  int
	entries map[int]*entry
	pending []pendingAdd
}

func newRegistry() *registry {
	return &registry{nextID: 1, entries: make(map[int]*entry)}
}

// enqueue assigns a subscription id, stores the descriptor inactive and
// unsubscribed, and appends a pending add request.
func (r *registry) enqueue(sub *Subscription) int {
	id := r.nextID
	r.nextID++
	r.entries[id] = &entry{
		sub:                    sub,
		snapshotCompleteByItem: make(map[int]bool),
	}
	r.pending = append(r.pending, pendingAdd{subID: id})
	return id
}

// cancelPending removes a not-yet-sent add request, implementing
// "unsubscribe of a not-yet-confirmed subscription cancels the pending
// add before any control is sent". It reports whether a pending, unsent
// entry was found and removed.
func (r *registry) cancelPending(subID int) bool {
	for i, p := range r.pending {
		if p.subID == subID && !p.sent {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}

// flushPending returns the pending adds in enqueue order and marks them
// sent, for the driver to translate into control requests on entry to
// SESSION_OPEN (or immediately, for a subscription enqueued while already
// SESSION_OPEN).
func (r *registry) flushPending() []int {
	var ids []int
	for i := range r.pending {
		if r.pending[i].sent {
			continue
		}
		r.pending[i].sent = true
		ids = append(ids, r.pending[i].subID)
	}
	return ids
}

func (r *registry) get(subID int) (*entry, bool) {
	e, ok := r.entries[subID]
	return e, ok
}

// confirm applies a SUBOK: validates the server-reported item/field
// counts against the subscription's declared counts (when known) and, if
// they match, allocates the per-item field table.
func (r *registry) confirm(subID, nItems, nFields int) error {
	e, ok := r.entries[subID]
	if !ok {
		return fmt.Errorf("SUBOK for unknown subscription %d", subID)
	}
	e.active = true

	if declared, known := e.sub.declaredItemCount(); known && declared != nItems {
		e.invalid = true
		return &ProtocolError{Reason: fmt.Sprintf(
			"subscription %d: server reported %d items, declaration had %d", subID, nItems, declared)}
	}
	if declared, known := e.sub.declaredFieldCount(); known && declared != nFields {
		e.invalid = true
		return &ProtocolError{Reason: fmt.Sprintf(
			"subscription %d: server reported %d fields, declaration had %d", subID, nFields, declared)}
	}

	e.itemNames = e.sub.Items
	e.fieldNames = e.sub.Fields
	e.nFields = nFields
	e.fields = make([]map[string]string, nItems+1)
	e.present = make([]map[string]bool, nItems+1)
	for i := 1; i <= nItems; i++ {
		e.fields[i] = make(map[string]string, nFields)
		e.present[i] = make(map[string]bool, nFields)
	}
	e.subscribed = true
	return nil
}

// remove drops field state and marks the subscription unsubscribed, on
// UNSUB or an explicit unsubscribe. The descriptor itself is retained
// only in the sense that the caller's *Subscription still exists; the
// registry simply forgets the entry.
func (r *registry) remove(subID int) {
	delete(r.entries, subID)
	for i, p := range r.pending {
		if p.subID == subID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
}

func (r *registry) getItemName(subID, idx int) (string, bool) {
	e, ok := r.entries[subID]
	if !ok || idx < 1 || idx > len(e.itemNames) {
		return "", false
	}
	name := e.itemNames[idx-1]
	return name, name != ""
}

func (r *registry) getFieldName(subID, fieldPos int) (string, bool) {
	e, ok := r.entries[subID]
	if !ok || fieldPos < 1 || fieldPos > len(e.fieldNames) {
		return "", false
	}
	name := e.fieldNames[fieldPos-1]
	return name, name != ""
}

// fieldCount reports the field table width for a confirmed subscription:
// the server-reported count from SUBOK, which is the only source of
// truth when the subscription used FieldSchema instead of enumerated
// Fields (len(fieldNames) would be 0 in that case).
func (e *entry) fieldCount() int {
	return e.nFields
}

// fieldKey returns the key used to store a field's value in e.fields: the
// declared field name when known, otherwise its 1-based position.
func (e *entry) fieldKey(pos int) string {
	if pos >= 1 && pos <= len(e.fieldNames) && e.fieldNames[pos-1] != "" {
		return e.fieldNames[pos-1]
	}
	return fmt.Sprintf("%d", pos)
}

func (e *entry) itemKey(idx int) string {
	if idx >= 1 && idx <= len(e.itemNames) && e.itemNames[idx-1] != "" {
		return e.itemNames[idx-1]
	}
	return ""
}
