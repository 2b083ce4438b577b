package logstore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/meshlog/meshlog/internal/entry"
	"github.com/meshlog/meshlog/internal/envelope"
	"github.com/meshlog/meshlog/internal/verify"
)

// Import appends foreign objects received over the wire into a mirror
// partition. It is idempotent: objects whose exact bytes already exist in
// the partition are skipped. Plaintext entries claiming an author that
// does not match the partition are rejected and reported as integrity
// violations; a peer must not be able to smuggle a forged entry into a
// differently named partition. Sealed partitions accept any well-formed
// envelope, since ciphertext is opaque by design.
func (s *Store) Import(p Partition, objects [][]byte) (added int, violations []*verify.IntegrityError, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.ReadPartition(p)
	if err != nil {
		return 0, nil, err
	}

	for _, data := range objects {
		if containsData(existing, data) {
			continue
		}

		var when time.Time
		if p.Sealed {
			env, err := envelope.Unmarshal(data)
			if err != nil {
				violations = append(violations,
					verify.NewIntegrityError(p.Branch(), "", verify.Reason(fmt.Sprintf("unparseable envelope: %v", err))))
				continue
			}
			when = env.Timestamp
		} else {
			e, err := entry.Unmarshal(data)
			if err != nil {
				violations = append(violations,
					verify.NewIntegrityError(p.Branch(), "", verify.Reason(fmt.Sprintf("unparseable entry: %v", err))))
				continue
			}
			if e.Fingerprint() != p.Fingerprint {
				violations = append(violations,
					verify.NewIntegrityError(p.Branch(), e.Fingerprint(), verify.ReasonPartitionMismatch))
				continue
			}
			when = e.When()
		}

		if _, err := s.appendLocked(p, data, when); err != nil {
			return added, violations, fmt.Errorf("failed to import into %s: %w", p, err)
		}
		existing = append(existing, Object{Data: data})
		added++
	}
	return added, violations, nil
}

func containsData(objects []Object, data []byte) bool {
	for _, obj := range objects {
		if bytes.Equal(obj.Data, data) {
			return true
		}
	}
	return false
}
