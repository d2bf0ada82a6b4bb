package findings

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// volatileEvidenceKeys never participate in identity: job_id changes on
// every re-emission and reobservations is maintained by the store itself.
// Including either would defeat cross-run deduplication.
var volatileEvidenceKeys = []string{"job_id", "reobservations"}

// Identity computes the content-hash identity used by upsertFinding:
// sha256(capability|target|title|canonical-json(evidence)). Canonical JSON
// here means unmarshal-then-remarshal through a map[string]any (which
// encoding/json already serialises with sorted keys) after stripping the
// volatile keys above.
func Identity(capability, target, title string, evidence map[string]any) (string, error) {
	canonical, err := canonicalizeJSON(evidence)
	if err != nil {
		return "", fmt.Errorf("canonicalize evidence: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", capability, target, title, canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalizeJSON(evidence map[string]any) (string, error) {
	if evidence == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(evidence)
	if err != nil {
		return "", err
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", err
	}
	for _, k := range volatileEvidenceKeys {
		delete(normalized, k)
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
