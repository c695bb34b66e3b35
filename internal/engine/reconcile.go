// Package engine contains the sync coordinator: it drains the durable
// mutation log against the remote batch API, reconciles client-minted ids
// with server-assigned ones, routes conflicts through the resolver, and
// keeps the snapshot cache fresh.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/fieldline/fieldsync/pkg/model"
)

// rewritePayload substitutes resolved client ids with their server ids
// anywhere they appear as string values in the payload. The document is
// decoded in full and re-encoded, so unknown fields are preserved.
func rewritePayload(payload json.RawMessage, resolved map[string]string) (json.RawMessage, bool, error) {
	if len(payload) == 0 || len(resolved) == 0 {
		return payload, false, nil
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode payload: %w", err)
	}

	doc, changed := rewriteValue(doc, resolved)
	if !changed {
		return payload, false, nil
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode rewritten payload: %w", err)
	}
	return out, true, nil
}

func rewriteValue(v any, resolved map[string]string) (any, bool) {
	switch val := v.(type) {
	case string:
		if serverID, ok := resolved[val]; ok {
			return serverID, true
		}
		return val, false
	case map[string]any:
		changed := false
		for k, item := range val {
			next, c := rewriteValue(item, resolved)
			if c {
				val[k] = next
				changed = true
			}
		}
		return val, changed
	case []any:
		changed := false
		for i, item := range val {
			next, c := rewriteValue(item, resolved)
			if c {
				val[i] = next
				changed = true
			}
		}
		return val, changed
	default:
		return v, false
	}
}

// unresolvedRefs returns the ids from the given set that op's payload
// references as string values; the op's own minted id does not count as a
// reference. The coordinator uses it both for holdback (ids whose create is
// still awaiting server assignment) and to detect references to ids whose
// mapping is ambiguous across resources.
func unresolvedRefs(op *model.PendingOperation, minted map[string]bool) ([]string, error) {
	if len(op.Payload) == 0 || len(minted) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(op.Payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode payload of %s: %w", op.ID, err)
	}

	seen := make(map[string]bool)
	collectRefs(doc, minted, seen)
	delete(seen, op.ClientEntityID)

	if len(seen) == 0 {
		return nil, nil
	}
	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	return refs, nil
}

func collectRefs(v any, minted, seen map[string]bool) {
	switch val := v.(type) {
	case string:
		if minted[val] {
			seen[val] = true
		}
	case map[string]any:
		for _, item := range val {
			collectRefs(item, minted, seen)
		}
	case []any:
		for _, item := range val {
			collectRefs(item, minted, seen)
		}
	}
}
