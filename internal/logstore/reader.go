package logstore

import (
	"github.com/meshlog/meshlog/internal/entry"
	"github.com/meshlog/meshlog/internal/envelope"
	"github.com/meshlog/meshlog/internal/verify"
)

// Entries reads and verifies every entry in a plaintext partition.
// Files that are not recognizable entries are skipped (counted, not
// returned); recognizable entries are always returned, flagged Trusted or
// Untrusted, including entries whose author does not match the partition
// they were found in.
func (s *Store) Entries(p Partition) (results []verify.Result, skipped int, err error) {
	objects, err := s.ReadPartition(p)
	if err != nil {
		return nil, 0, err
	}

	for _, obj := range objects {
		e, err := entry.Unmarshal(obj.Data)
		if err != nil {
			skipped++
			continue
		}
		r := verify.InPartition(e, p.Fingerprint)
		r.Object = obj.Name
		results = append(results, r)
	}
	return results, skipped, nil
}

// Envelopes reads every envelope in a sealed partition. Unrecognizable
// files are skipped. Envelopes are returned undecrypted; callers holding
// keys decide what they can open.
func (s *Store) Envelopes(p Partition) (envelopes []*envelope.Envelope, names []string, skipped int, err error) {
	objects, err := s.ReadPartition(p)
	if err != nil {
		return nil, nil, 0, err
	}

	for _, obj := range objects {
		env, err := envelope.Unmarshal(obj.Data)
		if err != nil {
			skipped++
			continue
		}
		envelopes = append(envelopes, env)
		names = append(names, obj.Name)
	}
	return envelopes, names, skipped, nil
}
