package registry

import "github.com/Kocoro-lab/Shannon/go/voyage/internal/state"

// Reader is the read-only view of the registry that the decision, safety and
// executor layers depend on.
type Reader interface {
	GetAllAgents() []Entry
	GetAgent(name string) (Entry, error)
	IsDeterministicAgent(name string) bool
	Produces(name string) (state.ArtifactKind, bool)
	Producer(kind state.ArtifactKind) (string, bool)
	Params(name string) ([]string, bool)
}

// Config holds configuration for the registry
type Config struct {
	// Path is an optional YAML file overlaying the built-in entries
	Path string
	// DisableDefaults loads only the entries found in Path
	DisableDefaults bool
}
