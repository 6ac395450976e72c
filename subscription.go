package tlcp

import "fmt"

// Mode is the subscription mode requested by a Subscription.
type Mode string

const (
	ModeMerge    Mode = "MERGE"
	ModeDistinct Mode = "DISTINCT"
	ModeRaw      Mode = "RAW"
	ModeCommand  Mode = "COMMAND"
)

// Snapshot requests the server-side snapshot behavior for a Subscription.
// Use SnapshotYes, SnapshotNo, or SnapshotItems(n) for a numeric request.
type Snapshot struct {
	yes      bool
	no       bool
	itemsSet bool
	items    int
}

var (
	SnapshotYes = Snapshot{yes: true}
	SnapshotNo  = Snapshot{no: true}
)

// SnapshotItems requests at most n snapshot items.
func SnapshotItems(n int) Snapshot {
	return Snapshot{itemsSet: true, items: n}
}

func (s Snapshot) String() string {
	switch {
	case s.itemsSet:
		return fmt.Sprintf("%d", s.items)
	case s.no:
		return "false"
	default:
		return "true"
	}
}

func (s Snapshot) isZero() bool {
	return !s.yes && !s.no && !s.itemsSet
}

// Subscription is a declarative subscription request. Exactly one of
// Items/ItemGroup and exactly one of Fields/FieldSchema must be set.
// Runtime state (SubscriptionID, Active, Subscribed, ...) is not part of
// this struct — it lives in the registry, keyed by SubscriptionID,
// since only the session driver ever mutates it.
type Subscription struct {
	Mode     Mode
	Items    []string
	ItemGroup string
	Fields      []string
	FieldSchema string

	DataAdapter            string
	RequestedSnapshot      Snapshot
	RequestedMaxFrequency  float64 // 0 means unset
	RequestedBufferSize    int     // 0 means unset
	Selector               string

	Listener SubscriptionListener
}

// validate checks the construction-time invariants.
// It does not require runtime registry state.
func (s *Subscription) validate() error {
	if s.Mode == "" {
		s.Mode = ModeMerge
	}
	if s.Mode != ModeMerge {
		return &ConfigError{Reason: fmt.Sprintf("subscription mode %q is not supported by this core (MERGE only)", s.Mode)}
	}
	if (len(s.Items) == 0) == (s.ItemGroup == "") {
		return &ConfigError{Reason: "exactly one of Items or ItemGroup must be set"}
	}
	if (len(s.Fields) == 0) == (s.FieldSchema == "") {
		return &ConfigError{Reason: "exactly one of Fields or FieldSchema must be set"}
	}
	if s.RequestedSnapshot.isZero() {
		s.RequestedSnapshot = SnapshotYes
	}
	return nil
}

func (s *Subscription) declaredItemCount() (n int, known bool) {
	if len(s.Items) > 0 {
		return len(s.Items), true
	}
	return 0, false
}

func (s *Subscription) declaredFieldCount() (n int, known bool) {
	if len(s.Fields) > 0 {
		return len(s.Fields), true
	}
	return 0, false
}

// ItemUpdate is delivered to a SubscriptionListener for every materialized
// field change. Fields holds the current value of every
// field in the table, keyed by field name (or its 1-based position as a
// decimal string, when the subscription used a FieldSchema name rather
// than an enumerated Fields list). A field set to null/absent by a `$`
// token is present in Fields with an empty string but absent (false) in
// Present; a field explicitly set to the empty string by a `#` token is
// present in both.
type ItemUpdate struct {
	SubscriptionID int
	ItemIndex      int
	ItemName       string // empty if the subscription used ItemGroup
	Fields         map[string]string
	Present        map[string]bool
	Changed        map[string]bool
	IsSnapshot     bool
}
