package entities

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownEntity indicates a lookup for an entity type the graph does not define.
	ErrUnknownEntity = errors.New("entities: unknown entity type")
	// ErrInvalidGraph indicates the definition set is internally inconsistent.
	ErrInvalidGraph = errors.New("entities: invalid dependency graph")
)

// EntityType names one synced entity family.
type EntityType string

// String returns the underlying string name.
func (t EntityType) String() string {
	return string(t)
}

// Definition describes one synced entity type: its natural key, its parent
// (if any) and the payload field naming that parent, and the columns the
// engine carries across stores. SyncedFields is what capture snapshots and
// what the loop guard compares; everything else on the row is local.
type Definition struct {
	Type           EntityType
	KeyField       string
	Parent         EntityType
	ParentKeyField string
	SyncedFields   []string
}

// Graph is the static parent-dependency table over the synced entity types.
// It is a pure lookup structure; all validation happens at construction.
type Graph struct {
	defs     map[EntityType]Definition
	maxDepth int
}

// NewGraph validates the definitions and returns a Graph. Every named parent
// must itself be defined, parent links must carry a key field, and the
// hierarchy must be acyclic.
func NewGraph(defs []Definition) (*Graph, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no definitions", ErrInvalidGraph)
	}

	byType := make(map[EntityType]Definition, len(defs))
	for _, def := range defs {
		name := EntityType(strings.TrimSpace(def.Type.String()))
		if name == "" {
			return nil, fmt.Errorf("%w: empty entity type", ErrInvalidGraph)
		}
		if _, exists := byType[name]; exists {
			return nil, fmt.Errorf("%w: duplicate entity type %q", ErrInvalidGraph, name)
		}
		if strings.TrimSpace(def.KeyField) == "" {
			return nil, fmt.Errorf("%w: entity %q missing key field", ErrInvalidGraph, name)
		}
		if def.Parent != "" && strings.TrimSpace(def.ParentKeyField) == "" {
			return nil, fmt.Errorf("%w: entity %q names a parent without a parent key field", ErrInvalidGraph, name)
		}
		def.Type = name
		byType[name] = def
	}

	maxDepth := 0
	for name := range byType {
		depth, err := chainDepth(byType, name)
		if err != nil {
			return nil, err
		}
		if depth > maxDepth {
			maxDepth = depth
		}
	}

	return &Graph{defs: byType, maxDepth: maxDepth}, nil
}

func chainDepth(byType map[EntityType]Definition, start EntityType) (int, error) {
	depth := 1
	current := byType[start]
	for current.Parent != "" {
		parent, ok := byType[current.Parent]
		if !ok {
			return 0, fmt.Errorf("%w: entity %q references undefined parent %q", ErrInvalidGraph, current.Type, current.Parent)
		}
		depth++
		if depth > len(byType) {
			return 0, fmt.Errorf("%w: cycle through entity %q", ErrInvalidGraph, start)
		}
		current = parent
	}
	return depth, nil
}

// Definition returns the definition for the given entity type.
func (g *Graph) Definition(entityType EntityType) (Definition, error) {
	def, ok := g.defs[entityType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	return def, nil
}

// Parent returns the parent definition of the given entity type, or false
// when the entity is terminal.
func (g *Graph) Parent(entityType EntityType) (Definition, bool, error) {
	def, err := g.Definition(entityType)
	if err != nil {
		return Definition{}, false, err
	}
	if def.Parent == "" {
		return Definition{}, false, nil
	}
	parent, err := g.Definition(def.Parent)
	if err != nil {
		return Definition{}, false, err
	}
	return parent, true, nil
}

// Contains reports whether the entity type is part of the graph.
func (g *Graph) Contains(entityType EntityType) bool {
	_, ok := g.defs[entityType]
	return ok
}

// MaxDepth is the length of the longest parent chain, used as the recursion
// cap during dependency resolution.
func (g *Graph) MaxDepth() int {
	return g.maxDepth
}

// Types lists every defined entity type in name order.
func (g *Graph) Types() []EntityType {
	types := make([]EntityType, 0, len(g.defs))
	for name := range g.defs {
		types = append(types, name)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
