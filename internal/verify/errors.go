package verify

import "fmt"

// IntegrityError reports an object that failed an integrity check while
// reading or importing a partition: a forged signature, a malformed key,
// or an entry smuggled into a partition it does not belong to.
type IntegrityError struct {
	Partition string
	Object    string
	Reason    Reason
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("INTEGRITY VIOLATION: %s in partition %s (object %s)",
		e.Reason, e.Partition, e.Object)
}

func NewIntegrityError(partition, object string, reason Reason) *IntegrityError {
	return &IntegrityError{
		Partition: partition,
		Object:    object,
		Reason:    reason,
	}
}

func IsIntegrityError(err error) bool {
	_, ok := err.(*IntegrityError)
	return ok
}

func AsIntegrityError(err error) *IntegrityError {
	if ie, ok := err.(*IntegrityError); ok {
		return ie
	}
	return nil
}
