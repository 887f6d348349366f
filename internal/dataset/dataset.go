// Package dataset models the partitioned-collection algebra the scheduler
// builds stages over. The algebra itself — how a dataset's partitions are
// computed — is out of scope (spec.md §1); this package only exposes the
// shape the scheduler needs: an id, a partition count, a dependency list,
// and locality hints.
package dataset

// DependencyKind classifies a Dependency as narrow (no shuffle boundary) or
// shuffle (all-to-all redistribution, bracketed by a ShuffleID).
type DependencyKind int

const (
	Narrow DependencyKind = iota
	Shuffle
)

func (k DependencyKind) String() string {
	if k == Shuffle {
		return "shuffle"
	}
	return "narrow"
}

// StorageLevel mirrors the dataset's caching intent. NoStorage means "never
// ask the block manager" (see cache_location.go).
type StorageLevel int

const (
	NoStorage StorageLevel = iota
	MemoryOnly
	DiskOnly
	MemoryAndDisk
)

// TaskLocation names a host and, when known, the executor on it that holds
// a block or would be a good place to run a task.
type TaskLocation struct {
	Host       string
	ExecutorID string
}

// Dependency is one entry in a Dataset's dependency list, per spec.md §3.
type Dependency struct {
	Kind DependencyKind
	// Parent is the dataset this dependency points at.
	Parent Dataset
	// ShuffleID is only meaningful when Kind == Shuffle; it is the stable
	// identifier the map-output registry indexes shuffle outputs under.
	ShuffleID int
	// NumPartitions is the shuffle's reduce-side partition count. Only
	// meaningful when Kind == Shuffle.
	NumPartitions int
}

// Dataset is the external collaborator the dependency analyzer and task
// builder walk. A concrete dataset type lives with the caller's data
// pipeline; the scheduler only ever sees this interface.
type Dataset interface {
	// ID is a stable, scheduler-wide unique identifier.
	ID() int
	// NumPartitions is the number of partitions this dataset is divided into.
	NumPartitions() int
	// Dependencies lists, in order, this dataset's parent dependencies.
	Dependencies() []Dependency
	// PreferredLocations returns locality hints for a partition, or nil if
	// the dataset declares none.
	PreferredLocations(partition int) []TaskLocation
	// StorageLevel reports whether this dataset's partitions are meant to be
	// cached at all.
	StorageLevel() StorageLevel
}
