package agent

// CachePrefix namespaces every generation name the agent creates
const CachePrefix = "evagent"

// Script describes one agent release: its version tag and the assets it
// must precache before it may activate.
type Script struct {
	Version  string
	Manifest []string
}

// PrecacheName is the generation holding the manifest assets
func (s Script) PrecacheName() string {
	return CachePrefix + "-precache-" + s.Version
}

// RuntimeName is the generation filled opportunistically by fetches
func (s Script) RuntimeName() string {
	return CachePrefix + "-runtime-" + s.Version
}
