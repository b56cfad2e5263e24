package config

import "github.com/vitaliisemenov/cdc-bridge/internal/core"

// Changed describes the difference between two aggregates as observed by the
// watcher: the table sets before and after, plus the added and removed
// identifiers.
type Changed struct {
	Old     *Aggregate
	New     *Aggregate
	Added   []core.TableIdentifier
	Removed []core.TableIdentifier
}

// Diff compares two aggregates. It returns nil when they are structurally
// equal (ignoring LoadedAt); otherwise a Changed with the table-set delta.
func Diff(old, updated *Aggregate) *Changed {
	if old.Equal(updated) {
		return nil
	}

	oldSet := tableSet(old)
	newSet := tableSet(updated)

	change := &Changed{Old: old, New: updated}
	for id := range newSet {
		if _, ok := oldSet[id]; !ok {
			change.Added = append(change.Added, id)
		}
	}
	for id := range oldSet {
		if _, ok := newSet[id]; !ok {
			change.Removed = append(change.Removed, id)
		}
	}
	return change
}

func tableSet(a *Aggregate) map[core.TableIdentifier]struct{} {
	set := make(map[core.TableIdentifier]struct{}, len(a.Tables))
	for _, id := range a.TableIdentifiers() {
		set[id] = struct{}{}
	}
	return set
}
