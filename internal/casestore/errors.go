package casestore

import "errors"

var (
	// ErrNotFound means no row matched the lookup key.
	ErrNotFound = errors.New("casestore: not found")

	// ErrStageConflict means a guarded update found the row in a different
	// state than expected; the caller must re-read and re-validate.
	ErrStageConflict = errors.New("casestore: stage conflict")

	// ErrDuplicateParticipant means the (case, user, role) triple exists.
	ErrDuplicateParticipant = errors.New("casestore: duplicate participant")
)
