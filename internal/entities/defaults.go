package entities

// Entity types synced by the reference deployment. The chain
// patient ← work ← set ← batch carries the lab production hierarchy; notes
// are a dependency-free stream synced for catch-up in the reverse direction.
const (
	EntityPatient EntityType = "patient"
	EntityWork    EntityType = "work"
	EntitySet     EntityType = "set"
	EntityBatch   EntityType = "batch"
	EntityNote    EntityType = "note"
)

// DefaultGraph returns the production dependency graph. The definitions are
// static; a misconfigured set fails at startup, never at sync time.
func DefaultGraph() *Graph {
	graph, err := NewGraph([]Definition{
		{
			Type:         EntityPatient,
			KeyField:     "personId",
			SyncedFields: []string{"personId", "firstName", "lastName", "phone", "email"},
		},
		{
			Type:           EntityWork,
			KeyField:       "workId",
			Parent:         EntityPatient,
			ParentKeyField: "personId",
			SyncedFields:   []string{"workId", "personId", "description", "days", "status"},
		},
		{
			Type:           EntitySet,
			KeyField:       "setId",
			Parent:         EntityWork,
			ParentKeyField: "workId",
			SyncedFields:   []string{"setId", "workId", "material", "shade"},
		},
		{
			Type:           EntityBatch,
			KeyField:       "batchId",
			Parent:         EntitySet,
			ParentKeyField: "setId",
			SyncedFields:   []string{"batchId", "setId", "quantity", "dueDate"},
		},
		{
			Type:         EntityNote,
			KeyField:     "noteId",
			SyncedFields: []string{"noteId", "workId", "authorType", "body"},
		},
	})
	if err != nil {
		panic(err)
	}
	return graph
}
