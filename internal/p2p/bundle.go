package p2p

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meshlog/meshlog/internal/logstore"
	"github.com/meshlog/meshlog/internal/verify"
)

// Bundle carries one partition's serialized objects over the wire. The
// transport never interprets the objects themselves; the receiving
// LogStore does the integrity checking on import.
type Bundle struct {
	Partition string   `json:"partition"`
	Objects   [][]byte `json:"objects"`
}

// MarshalBundles encodes a set of bundles for a memory_response or
// bundle frame.
func MarshalBundles(bundles []Bundle) ([]byte, error) {
	data, err := json.Marshal(bundles)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundles: %w", err)
	}
	return data, nil
}

// UnmarshalBundles decodes bundle data received from a peer.
func UnmarshalBundles(data []byte) ([]Bundle, error) {
	var bundles []Bundle
	if err := json.Unmarshal(data, &bundles); err != nil {
		return nil, fmt.Errorf("failed to decode bundles: %w", err)
	}
	return bundles, nil
}

// CollectBundles reads every partition whose fingerprint starts with
// filter (empty matches all) into wire bundles.
func CollectBundles(store *logstore.Store, filter string) ([]Bundle, error) {
	partitions, err := store.Partitions()
	if err != nil {
		return nil, err
	}

	var bundles []Bundle
	for _, p := range partitions {
		if filter != "" && !strings.HasPrefix(p.Fingerprint, filter) {
			continue
		}
		objects, err := store.ReadPartition(p)
		if err != nil {
			return nil, err
		}
		if len(objects) == 0 {
			continue
		}
		b := Bundle{Partition: p.Branch()}
		for _, obj := range objects {
			b.Objects = append(b.Objects, obj.Data)
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// ImportBundles feeds received bundles into the store. Unknown partition
// names are rejected; per-object integrity violations are collected and
// returned alongside the import count so callers can surface them.
func ImportBundles(store *logstore.Store, bundles []Bundle) (added int, violations []*verify.IntegrityError, err error) {
	for _, b := range bundles {
		p, ok := logstore.ParsePartition(b.Partition)
		if !ok {
			violations = append(violations,
				verify.NewIntegrityError(b.Partition, "", verify.Reason("not a partition name")))
			continue
		}
		n, v, err := store.Import(p, b.Objects)
		if err != nil {
			return added, violations, err
		}
		added += n
		violations = append(violations, v...)
	}
	return added, violations, nil
}
