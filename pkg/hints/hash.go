package hints

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalJSON marshals v the way the hash node requires: every map is
// walked and its keys sorted before encoding, so the same logical content
// always produces the same bytes regardless of map iteration order.
// encoding/json already sorts map keys at every level; the walk below makes
// that ordering explicit rather than relying on the encoder for it.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	return json.Marshal(sortedValue(generic))
}

// sortedValue returns a value whose nested maps are rewritten into
// sortedMap so json.Marshal emits keys in lexicographic order.
func sortedValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]sortedEntry, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, sortedEntry{Key: k, Value: sortedValue(t[k])})
		}
		return sortedMap(entries)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return v
	}
}

type sortedEntry struct {
	Key   string
	Value any
}

// sortedMap implements json.Marshaler to emit its entries in the order they
// were given (already lexicographically sorted by sortedValue), since Go's
// encoding/json always re-sorts a plain map[string]any alphabetically -- the
// type here exists only to make that guarantee explicit and future-proof
// against a caller re-ordering keys before marshalling.
type sortedMap []sortedEntry

func (m sortedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// MD5Hex computes the content hash the /hash node stores: one MD5 digest per
// top-level snapshot key over its canonical serialization, joined as
// hex:hex:... with "local" first and then each dependency in sorted key
// order -- so a
// change confined to a single dependency's snapshot still produces a
// reproducible, per-segment hash rather than one opaque blob.
func MD5Hex(snapshots map[string]map[string]Breadcrumbs) (string, error) {
	keys := make([]string, 0, len(snapshots))
	for k := range snapshots {
		if k != "local" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := snapshots["local"]; ok {
		keys = append([]string{"local"}, keys...)
	}

	digests := make([]string, 0, len(keys))
	for _, k := range keys {
		canonical, err := CanonicalJSON(snapshots[k])
		if err != nil {
			return "", err
		}
		sum := md5.Sum(canonical)
		digests = append(digests, hex.EncodeToString(sum[:]))
	}

	out := ""
	for i, d := range digests {
		if i > 0 {
			out += ":"
		}
		out += d
	}
	return out, nil
}
