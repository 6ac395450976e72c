package tlcp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// decodeUpdate applies one `U` frame's pipe-separated value tail to the
// registry's per-item field table and returns the materialized update,
// field-update semantics. It is a pure function of the registry's current
// state: no I/O, no listener calls.
func decodeUpdate(reg *registry, subID, itemIndex int, rawValues string) (ItemUpdate, error) {
	e, ok := reg.get(subID)
	if !ok {
		return ItemUpdate{}, &ProtocolError{Reason: fmt.Sprintf("U frame for unknown subscription %d", subID)}
	}
	if !e.subscribed {
		return ItemUpdate{}, &ProtocolError{Reason: fmt.Sprintf("U frame for unconfirmed subscription %d", subID)}
	}
	if itemIndex < 1 || itemIndex >= len(e.fields) {
		return ItemUpdate{}, &ProtocolError{Reason: fmt.Sprintf("U frame item index %d out of range for subscription %d", itemIndex, subID)}
	}

	nFields := e.fieldCount()
	values := e.fields[itemIndex]
	present := e.present[itemIndex]
	changed := make(map[string]bool)

	var tokens []string
	if rawValues != "" {
		tokens = strings.Split(rawValues, "|")
	}

	pos := 1
	for _, tok := range tokens {
		advance, err := applyToken(e, itemIndex, pos, tok, values, present, changed)
		if err != nil {
			return ItemUpdate{}, err
		}
		pos += advance
	}
	if pos-1 != nFields {
		return ItemUpdate{}, &ProtocolError{Reason: fmt.Sprintf(
			"subscription %d item %d: update advanced %d fields, expected %d", subID, itemIndex, pos-1, nFields)}
	}

	update := ItemUpdate{
		SubscriptionID: subID,
		ItemIndex:      itemIndex,
		ItemName:       e.itemKey(itemIndex),
		Fields:         make(map[string]string, len(values)),
		Present:        make(map[string]bool, len(present)),
		Changed:        changed,
		IsSnapshot:     !e.snapshotCompleteByItem[itemIndex],
	}
	for p := 1; p <= nFields; p++ {
		key := e.fieldKey(p)
		update.Fields[key] = values[key]
		update.Present[key] = present[key]
	}
	return update, nil
}

// applyToken applies a single `|`-delimited token at field position pos
// and returns how many field positions it consumed.
func applyToken(e *entry, itemIndex, pos int, tok string, values map[string]string, present map[string]bool, changed map[string]bool) (int, error) {
	switch {
	case tok == "":
		return 1, nil // unchanged
	case tok == "#":
		key := e.fieldKey(pos)
		values[key] = ""
		present[key] = true
		changed[key] = true
		return 1, nil
	case tok == "$":
		key := e.fieldKey(pos)
		values[key] = ""
		present[key] = false
		changed[key] = true
		return 1, nil
	case strings.HasPrefix(tok, "^"):
		return applyCaretToken(e, pos, tok, values, present, changed)
	default:
		key := e.fieldKey(pos)
		decoded, err := url.PathUnescape(tok)
		if err != nil {
			return 0, &ProtocolError{Reason: fmt.Sprintf("malformed percent-encoding in field %d: %v", pos, err)}
		}
		values[key] = unescapeFieldValue(decoded)
		present[key] = true
		changed[key] = true
		return 1, nil
	}
}

func applyCaretToken(e *entry, pos int, tok string, values map[string]string, present map[string]bool, changed map[string]bool) (int, error) {
	body := tok[1:]
	switch {
	case body != "" && isAllDigits(body):
		n, err := strconv.Atoi(body)
		if err != nil || n < 1 {
			return 0, &ProtocolError{Reason: fmt.Sprintf("malformed skip token %q", tok)}
		}
		return n, nil
	case strings.HasPrefix(body, "P"):
		key := e.fieldKey(pos)
		patchText, err := url.PathUnescape(body[1:])
		if err != nil {
			return 0, &ProtocolError{Reason: fmt.Sprintf("malformed percent-encoding in patch at field %d: %v", pos, err)}
		}
		if !present[key] || values[key] == "" {
			return 0, &ProtocolError{Reason: fmt.Sprintf("field %d: cannot apply JSON patch to a null/absent value", pos)}
		}
		patch, err := jsonpatch.DecodePatch([]byte(patchText))
		if err != nil {
			return 0, &ProtocolError{Reason: fmt.Sprintf("field %d: invalid JSON patch: %v", pos, err)}
		}
		if !json.Valid([]byte(values[key])) {
			return 0, &ProtocolError{Reason: fmt.Sprintf("field %d: stored value is not valid JSON", pos)}
		}
		result, err := patch.Apply([]byte(values[key]))
		if err != nil {
			return 0, &ProtocolError{Reason: fmt.Sprintf("field %d: applying JSON patch: %v", pos, err)}
		}
		values[key] = string(result)
		present[key] = true
		changed[key] = true
		return 1, nil
	case strings.HasPrefix(body, "T"):
		return 0, &UnsupportedEncoding{Token: tok}
	default:
		return 0, &ProtocolError{Reason: fmt.Sprintf("malformed token %q at field %d", tok, pos)}
	}
}

// unescapeFieldValue reverses the server-side `\p` -> `|` and `\\` -> `\`
// escaping applied to literal field values on top of percent-encoding,
// so a value that itself needed to carry a pipe or backslash round-trips
// intact instead of leaking the two-character escape sequence.
func unescapeFieldValue(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'p':
				b.WriteByte('|')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// applyEOS marks itemIndex's snapshot complete.
func applyEOS(reg *registry, subID, itemIndex int) error {
	e, ok := reg.get(subID)
	if !ok {
		return &ProtocolError{Reason: fmt.Sprintf("EOS for unknown subscription %d", subID)}
	}
	e.snapshotCompleteByItem[itemIndex] = true
	return nil
}

// applyCS clears itemIndex's field table and un-marks its snapshot
// completion.
func applyCS(reg *registry, subID, itemIndex int) error {
	e, ok := reg.get(subID)
	if !ok {
		return &ProtocolError{Reason: fmt.Sprintf("CS for unknown subscription %d", subID)}
	}
	if itemIndex < 1 || itemIndex >= len(e.fields) {
		return &ProtocolError{Reason: fmt.Sprintf("CS item index %d out of range for subscription %d", itemIndex, subID)}
	}
	e.fields[itemIndex] = make(map[string]string, e.fieldCount())
	e.present[itemIndex] = make(map[string]bool, e.fieldCount())
	delete(e.snapshotCompleteByItem, itemIndex)
	return nil
}
