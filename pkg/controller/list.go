package controller

import (
	"github.com/atvirokodosprendimai/ctldisco/pkg/discovery"
)

// Diff compares two endpoint lists. Added keeps the order of next, removed
// keeps the order of prev.
func Diff(prev, next []discovery.Endpoint) (added, removed []discovery.Endpoint) {
	seen := make(map[discovery.Endpoint]struct{}, len(prev))
	for _, e := range prev {
		seen[e] = struct{}{}
	}

	current := make(map[discovery.Endpoint]struct{}, len(next))
	for _, e := range next {
		current[e] = struct{}{}
		if _, ok := seen[e]; !ok {
			added = append(added, e)
		}
	}

	for _, e := range prev {
		if _, ok := current[e]; !ok {
			removed = append(removed, e)
		}
	}
	return added, removed
}
