package world

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("revision conflict")

	ErrNotListener = errors.New("value implements no listener capability")
)

// ConflictError reports a MutateWorldState call whose expected revision did
// not match the stored one. The stored record is unchanged.
type ConflictError struct {
	ID       string `json:"key"`
	Expected int64  `json:"expected"`
	Found    int64  `json:"found"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revisionError key=%s expected=%d found=%d", e.ID, e.Expected, e.Found)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
