package registry

// Artifact is an opaque reference to an asset produced or consumed by a
// step, such as a storage URL. The core never inspects it.
type Artifact string

// AppendArtifacts appends items to set, skipping any already present, and
// returns the result. Order of first appearance is preserved.
func AppendArtifacts(set []Artifact, items ...Artifact) []Artifact {
	if len(items) == 0 {
		return set
	}
	seen := make(map[Artifact]struct{}, len(set)+len(items))
	for _, a := range set {
		seen[a] = struct{}{}
	}
	for _, a := range items {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		set = append(set, a)
	}
	return set
}

// CloneArtifacts returns a copy of artifacts that never aliases the input.
// A nil or empty input yields an empty, non-nil slice.
func CloneArtifacts(artifacts []Artifact) []Artifact {
	out := make([]Artifact, len(artifacts))
	copy(out, artifacts)
	return out
}
