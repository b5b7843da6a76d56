package snapshot

import (
	"bytes"
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"
	jsoniter "github.com/json-iterator/go"
)

// Change captures one key's before/after values in a structural diff.
type Change struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// Diff maps changed top-level keys to their before/after values.
type Diff map[string]Change

// Compare returns the structural diff between this snapshot's data and
// another's. An empty diff means the payloads are structurally equal.
func (s *Snapshot) Compare(other *Snapshot) (Diff, error) {
	if other == nil {
		return nil, ErrInvalidJSON
	}
	return CompareData(s.Data, other.Data)
}

// CompareVersions diffs two recorded versions of the same snapshot.
func (s *Snapshot) CompareVersions(from, to uint64) (Diff, error) {
	before, err := s.VersionAt(from)
	if err != nil {
		return nil, err
	}
	after, err := s.VersionAt(to)
	if err != nil {
		return nil, err
	}
	return CompareData(before.Data, after.Data)
}

// CompareData computes the changed keys between two JSON documents. For
// object payloads the diff is keyed by top-level field; other payload
// shapes collapse to a single "$value" entry when unequal.
func CompareData(before, after json.RawMessage) (Diff, error) {
	if len(before) == 0 {
		before = json.RawMessage(`null`)
	}
	if len(after) == 0 {
		after = json.RawMessage(`null`)
	}

	var beforeMap, afterMap map[string]any
	beforeErr := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(before, &beforeMap)
	afterErr := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(after, &afterMap)
	if beforeErr != nil || afterErr != nil {
		if bytes.Equal(normalise(before), normalise(after)) {
			return Diff{}, nil
		}
		var beforeVal, afterVal any
		_ = jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(before, &beforeVal)
		_ = jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(after, &afterVal)
		return Diff{"$value": {Before: beforeVal, After: afterVal}}, nil
	}

	patch, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return nil, err
	}

	var changed map[string]any
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(patch, &changed); err != nil {
		return nil, err
	}

	diff := make(Diff, len(changed))
	for key := range changed {
		diff[key] = Change{Before: beforeMap[key], After: afterMap[key]}
	}
	return diff, nil
}

func normalise(raw json.RawMessage) []byte {
	return bytes.TrimSpace(raw)
}
