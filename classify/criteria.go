package classify

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/harborline/snapstore/snapshot"
)

// Criteria is a compound search filter over snapshots. All populated
// fields must match (logical AND). Unknown keys supplied through
// CriteriaFromMap are ignored for forward compatibility.
type Criteria struct {
	Status        string
	Priority      *int
	Category      string
	Tags          []string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	// Expression is an optional expr-lang predicate evaluated against the
	// snapshot after the structural fields match.
	Expression string
}

// CriteriaFromMap builds Criteria from a loosely typed map, the shape
// criteria arrive in from API callers. Recognised keys: status, priority,
// category, tags, createdAfter, createdBefore, expression. Unknown keys
// are skipped; recognised keys with the wrong type fail with
// InvalidCriteriaError.
func CriteriaFromMap(raw map[string]any) (Criteria, error) {
	var criteria Criteria
	for key, value := range raw {
		switch key {
		case "status":
			s, ok := value.(string)
			if !ok {
				return Criteria{}, snapshot.InvalidCriteriaError{Field: key, Reason: "expected string"}
			}
			criteria.Status = s
		case "priority":
			switch typed := value.(type) {
			case int:
				p := typed
				criteria.Priority = &p
			case float64:
				p := int(typed)
				criteria.Priority = &p
			default:
				return Criteria{}, snapshot.InvalidCriteriaError{Field: key, Reason: "expected number"}
			}
		case "category":
			s, ok := value.(string)
			if !ok {
				return Criteria{}, snapshot.InvalidCriteriaError{Field: key, Reason: "expected string"}
			}
			criteria.Category = s
		case "tags":
			tags, err := stringSlice(value)
			if err != nil {
				return Criteria{}, snapshot.InvalidCriteriaError{Field: key, Reason: "expected string list"}
			}
			criteria.Tags = tags
		case "createdAfter":
			ts, err := parseTime(value)
			if err != nil {
				return Criteria{}, snapshot.InvalidCriteriaError{Field: key, Reason: "expected RFC3339 timestamp"}
			}
			criteria.CreatedAfter = ts
		case "createdBefore":
			ts, err := parseTime(value)
			if err != nil {
				return Criteria{}, snapshot.InvalidCriteriaError{Field: key, Reason: "expected RFC3339 timestamp"}
			}
			criteria.CreatedBefore = ts
		case "expression":
			s, ok := value.(string)
			if !ok {
				return Criteria{}, snapshot.InvalidCriteriaError{Field: key, Reason: "expected string"}
			}
			criteria.Expression = s
		}
	}
	return criteria, nil
}

// FilterByCriteria returns the snapshots matching every populated field
// of the criteria, preserving input order.
func FilterByCriteria(snaps []*snapshot.Snapshot, cfg snapshot.StoreConfig, criteria Criteria) ([]*snapshot.Snapshot, error) {
	var predicate func(*snapshot.Snapshot, snapshot.StoreConfig) (bool, error)
	if criteria.Expression != "" {
		compiled, err := CompilePredicate(criteria.Expression)
		if err != nil {
			return nil, snapshot.InvalidCriteriaError{Field: "expression", Reason: err.Error()}
		}
		predicate = compiled
	}

	matched := make([]*snapshot.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		if snap == nil {
			continue
		}
		ok, err := matchesCriteria(snap, criteria)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if predicate != nil {
			exprOK, err := predicate(snap, cfg)
			if err != nil {
				return nil, snapshot.InvalidCriteriaError{Field: "expression", Reason: err.Error()}
			}
			if !exprOK {
				continue
			}
		}
		matched = append(matched, snap)
	}
	return matched, nil
}

func matchesCriteria(snap *snapshot.Snapshot, criteria Criteria) (bool, error) {
	if criteria.Category != "" && snap.Category != criteria.Category {
		return false, nil
	}
	if !criteria.CreatedAfter.IsZero() && snap.Timestamp.Before(criteria.CreatedAfter) {
		return false, nil
	}
	if !criteria.CreatedBefore.IsZero() && snap.Timestamp.After(criteria.CreatedBefore) {
		return false, nil
	}

	if criteria.Status == "" && criteria.Priority == nil && len(criteria.Tags) == 0 {
		return true, nil
	}

	var data map[string]any
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(snap.Data, &data); err != nil || data == nil {
		return false, nil
	}

	if criteria.Status != "" {
		status, _ := data["status"].(string)
		if status != criteria.Status {
			return false, nil
		}
	}
	if criteria.Priority != nil {
		priority, ok := numberAsInt(data["priority"])
		if !ok || priority != *criteria.Priority {
			return false, nil
		}
	}
	if len(criteria.Tags) > 0 {
		tags, err := stringSlice(data["tags"])
		if err != nil {
			return false, nil
		}
		tagSet := make(map[string]struct{}, len(tags))
		for _, tag := range tags {
			tagSet[tag] = struct{}{}
		}
		for _, required := range criteria.Tags {
			if _, present := tagSet[required]; !present {
				return false, nil
			}
		}
	}
	return true, nil
}

func stringSlice(value any) ([]string, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case []string:
		return typed, nil
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				return nil, snapshot.InvalidCriteriaError{Field: "tags", Reason: "expected string list"}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, snapshot.InvalidCriteriaError{Field: "tags", Reason: "expected string list"}
	}
}

func parseTime(value any) (time.Time, error) {
	switch typed := value.(type) {
	case time.Time:
		return typed, nil
	case string:
		return time.Parse(time.RFC3339, typed)
	default:
		return time.Time{}, snapshot.InvalidCriteriaError{Field: "time", Reason: "unsupported type"}
	}
}

func numberAsInt(value any) (int, bool) {
	switch typed := value.(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case float64:
		return int(typed), true
	default:
		return 0, false
	}
}
