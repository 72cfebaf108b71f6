package hst

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/MrSnakeDoc/hstroute/internal/repository"
)

// fingerprint hashes everything a forest is built from: the virtual hosts subtree and the
// sites its mount paths resolved to. Equal inputs give equal fingerprints in any process.
func fingerprint(root *repository.Node, sites map[string]*Site) string {
	h := sha256.New()
	enc := json.NewEncoder(h)

	repository.Walk(root, func(n *repository.Node) {
		// map keys are encoded sorted
		_ = enc.Encode(n)
	})

	paths := make([]string, 0, len(sites))
	for p := range sites {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		_ = enc.Encode(struct {
			MountPath string `json:"mountPath"`
			Site      *Site  `json:"site"`
		}{p, sites[p]})
	}
	return hex.EncodeToString(h.Sum(nil))
}
