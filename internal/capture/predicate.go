package capture

import (
	"strings"

	"github.com/MarcoPoloResearchLab/syncbridge/internal/entities"
)

// AuthorTypePredicate returns a predicate that keeps note rows out of the
// forward queue when their author type belongs to the replica side. Doctor
// notes are written on the portal and flow replica-to-primary only; pushing
// them back would be a pointless echo. Rows of other entity types, and notes
// without an author tag, always pass.
func AuthorTypePredicate(field string, replicaOwned ...string) Predicate {
	owned := make(map[string]struct{}, len(replicaOwned))
	for _, authorType := range replicaOwned {
		normalized := strings.ToLower(strings.TrimSpace(authorType))
		if normalized != "" {
			owned[normalized] = struct{}{}
		}
	}
	return func(entityType entities.EntityType, snapshot map[string]any) bool {
		if entityType != entities.EntityNote {
			return true
		}
		raw, ok := snapshot[field].(string)
		if !ok {
			return true
		}
		_, isReplicaOwned := owned[strings.ToLower(strings.TrimSpace(raw))]
		return !isReplicaOwned
	}
}
