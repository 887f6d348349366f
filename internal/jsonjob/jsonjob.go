// Package jsonjob lets the HTTP control surface accept a dataset graph as
// JSON. The partition-computation algebra itself is out of scope (spec.md
// §1); a jsonjob.Node only carries the shape the scheduler's dependency
// analyzer needs (id, partition count, dependency edges, locality hints),
// mirroring the teacher's JSON-decoded Workflow/Task request shape.
package jsonjob

import (
	"fmt"

	"github.com/swarmguard/dagsched/internal/dataset"
)

// DependencySpec is one edge in a Spec's graph, pointing at another node by
// index within the same Spec.
type DependencySpec struct {
	ParentIndex   int    `json:"parent_index"`
	Kind          string `json:"kind"` // "narrow" or "shuffle"
	ShuffleID     int    `json:"shuffle_id,omitempty"`
	NumPartitions int    `json:"num_partitions,omitempty"`
}

// NodeSpec describes one dataset in the graph.
type NodeSpec struct {
	NumPartitions int               `json:"num_partitions"`
	Dependencies  []DependencySpec  `json:"dependencies,omitempty"`
	StorageLevel  string            `json:"storage_level,omitempty"` // "none","memory","disk","memory_and_disk"
	Preferred     map[int][]string  `json:"preferred_locations,omitempty"` // partition -> hosts
}

// Spec is a full job submission: a list of nodes (topologically ordered,
// parents before children) and the index of the root (final) node.
type Spec struct {
	Nodes      []NodeSpec `json:"nodes"`
	RootIndex  int        `json:"root_index"`
	Partitions []int      `json:"partitions"`
}

// Build turns spec into a dataset.Dataset graph rooted at RootIndex.
// baseID offsets every node's ID so ids stay unique across the scheduler's
// whole lifetime (the cache-location cache and stage registry key off
// dataset.ID() globally, not per-request); callers typically derive it
// from an atomic counter incremented by len(spec.Nodes) per submission.
func Build(spec Spec, baseID int) (dataset.Dataset, error) {
	if spec.RootIndex < 0 || spec.RootIndex >= len(spec.Nodes) {
		return nil, fmt.Errorf("root_index %d out of range [0,%d)", spec.RootIndex, len(spec.Nodes))
	}
	nodes := make([]*node, len(spec.Nodes))
	for i, ns := range spec.Nodes {
		nodes[i] = &node{id: baseID + i, numPartitions: ns.NumPartitions, storage: parseStorage(ns.StorageLevel), preferred: ns.Preferred}
	}
	for i, ns := range spec.Nodes {
		for _, d := range ns.Dependencies {
			if d.ParentIndex < 0 || d.ParentIndex >= len(nodes) {
				return nil, fmt.Errorf("node %d: parent_index %d out of range", i, d.ParentIndex)
			}
			kind := dataset.Narrow
			if d.Kind == "shuffle" {
				kind = dataset.Shuffle
			}
			nodes[i].deps = append(nodes[i].deps, dataset.Dependency{
				Kind:          kind,
				Parent:        nodes[d.ParentIndex],
				ShuffleID:     d.ShuffleID,
				NumPartitions: d.NumPartitions,
			})
		}
	}
	return nodes[spec.RootIndex], nil
}

func parseStorage(s string) dataset.StorageLevel {
	switch s {
	case "memory":
		return dataset.MemoryOnly
	case "disk":
		return dataset.DiskOnly
	case "memory_and_disk":
		return dataset.MemoryAndDisk
	default:
		return dataset.NoStorage
	}
}

type node struct {
	id            int
	numPartitions int
	deps          []dataset.Dependency
	storage       dataset.StorageLevel
	preferred     map[int][]string
}

func (n *node) ID() int             { return n.id }
func (n *node) NumPartitions() int  { return n.numPartitions }
func (n *node) Dependencies() []dataset.Dependency { return n.deps }
func (n *node) StorageLevel() dataset.StorageLevel { return n.storage }

func (n *node) PreferredLocations(partition int) []dataset.TaskLocation {
	hosts, ok := n.preferred[partition]
	if !ok {
		return nil
	}
	locs := make([]dataset.TaskLocation, len(hosts))
	for i, h := range hosts {
		locs[i] = dataset.TaskLocation{Host: h}
	}
	return locs
}
