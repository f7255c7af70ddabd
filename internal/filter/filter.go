// Package filter implements the item type filter applied before dedup.
package filter

import "reddit_relay/internal/model"

// Apply returns the items whose type matches typeFilter, preserving rank
// order. A nil filter returns items unmodified. Items of unknown type never
// match an active filter.
func Apply(items []model.Item, typeFilter *model.ItemType) []model.Item {
	if typeFilter == nil {
		return items
	}

	matched := make([]model.Item, 0, len(items))
	for _, item := range items {
		if item.Type == model.ItemUnknown {
			continue
		}
		if item.Type == *typeFilter {
			matched = append(matched, item)
		}
	}
	return matched
}
