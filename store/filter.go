package store

import (
	"context"

	"github.com/harborline/snapstore/classify"
	"github.com/harborline/snapstore/snapshot"
)

// FilterByCriteria returns the snapshots matching the compound
// criteria. Matching is delegated to the classifier; criteria combine
// with logical AND.
func (s *Store) FilterByCriteria(ctx context.Context, criteria classify.Criteria) ([]*snapshot.Snapshot, error) {
	cfg, err := s.config(ctx)
	if err != nil {
		return nil, err
	}
	return classify.FilterByCriteria(s.All(), cfg, criteria)
}

// DataWithSearchCriteria accepts raw criteria as a map, the shape
// request payloads arrive in, and filters with it. Unknown keys are
// ignored; wrong value types are an InvalidCriteriaError.
func (s *Store) DataWithSearchCriteria(ctx context.Context, raw map[string]any) ([]*snapshot.Snapshot, error) {
	criteria, err := classify.CriteriaFromMap(raw)
	if err != nil {
		return nil, err
	}
	return s.FilterByCriteria(ctx, criteria)
}

// FilterByCategory returns the snapshots carrying the given category.
func (s *Store) FilterByCategory(ctx context.Context, category string) ([]*snapshot.Snapshot, error) {
	return s.FilterByCriteria(ctx, classify.Criteria{Category: category})
}

// FilterByTag returns the snapshots whose payload tags include tag.
func (s *Store) FilterByTag(ctx context.Context, tag string) ([]*snapshot.Snapshot, error) {
	return s.FilterByCriteria(ctx, classify.Criteria{Tags: []string{tag}})
}

// FilterByStatus returns the snapshots whose payload status matches.
func (s *Store) FilterByStatus(ctx context.Context, status string) ([]*snapshot.Snapshot, error) {
	return s.FilterByCriteria(ctx, classify.Criteria{Status: status})
}
