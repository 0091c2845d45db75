// Package integrity recomputes entry signatures and the Merkle root over a
// profile's entries and reports tamper findings. A mismatch is data, not an
// exception: it is reported in the result and never blocks read access.
package integrity

import (
	"fmt"

	"github.com/dmitrijs2005/profilekeeper/merkle"
	"github.com/dmitrijs2005/profilekeeper/models"
	"github.com/dmitrijs2005/profilekeeper/signing"
)

// EntryResult is the verification outcome for a single entry.
type EntryResult struct {
	EntryID        string `json:"entry_id"`
	SignatureValid bool   `json:"signature_valid"`
	Reason         string `json:"reason,omitempty"`
}

// Result is the aggregate verification outcome. IsValid is true only when
// every entry signature matches and the recomputed root matches the last
// known root, when one exists.
type Result struct {
	IsValid        bool          `json:"is_valid"`
	EntryResults   []EntryResult `json:"entry_results"`
	RecomputedRoot string        `json:"recomputed_root"`
	RootMatches    bool          `json:"root_matches"`
}

// Verifier recomputes signatures and Merkle roots. It never mutates entry
// content.
type Verifier struct {
	signer *signing.Service
}

// NewVerifier returns a Verifier using the given signing service.
func NewVerifier(signer *signing.Service) *Verifier {
	return &Verifier{signer: signer}
}

// Validate recomputes each entry's signature from its stored fields and
// salt, rebuilds the Merkle tree over the entries in stored order, and
// compares the recomputed root to lastKnownRoot. An empty lastKnownRoot
// (first verification) skips the root comparison.
func (v *Verifier) Validate(entries []*models.Entry, lastKnownRoot string) (*Result, error) {
	res := &Result{IsValid: true, RootMatches: true}

	unsigned := false
	for _, e := range entries {
		er := EntryResult{EntryID: e.ID}
		ok, err := v.signer.VerifyEntry(e)
		switch {
		case err != nil:
			er.Reason = err.Error()
		case !ok:
			er.Reason = "stored hash does not match recomputed digest"
		default:
			er.SignatureValid = true
		}
		if !er.SignatureValid {
			res.IsValid = false
		}
		if e.Signature == nil {
			unsigned = true
		}
		res.EntryResults = append(res.EntryResults, er)
	}

	// An unsigned entry has no leaf hash, so the tree cannot be rebuilt.
	// The per-entry findings above already mark the set invalid.
	if unsigned {
		if lastKnownRoot != "" {
			res.RootMatches = false
		}
		return res, nil
	}

	tree, err := merkle.Build(entries)
	if err != nil {
		return nil, fmt.Errorf("rebuilding merkle tree: %w", err)
	}
	res.RecomputedRoot = tree.RootHex()

	if lastKnownRoot != "" && lastKnownRoot != res.RecomputedRoot {
		res.RootMatches = false
		res.IsValid = false
	}

	return res, nil
}
