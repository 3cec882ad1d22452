package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrAlreadyStarted = errors.New("adapter already started")
	ErrNotStarted     = errors.New("adapter not started")
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrStatusMismatch = errors.New("status mismatch")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrInvalidInput   = errors.New("invalid input")
)

// CycleError reports a rejected workflow edge set, naming one participating
// cycle as a path of job ids.
type CycleError struct {
	WorkflowID int64
	Cycle      []int64
}

func (e *CycleError) Error() string {
	nodes := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		nodes[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("workflow %d contains a cycle: %s", e.WorkflowID, strings.Join(nodes, " -> "))
}

func IsCycleError(err error) bool {
	var cycleErr *CycleError
	return errors.As(err, &cycleErr)
}

// MissingNodeError reports an edge referencing a job id outside the node set.
type MissingNodeError struct {
	WorkflowID int64
	JobID      int64
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("workflow %d references unknown job %d", e.WorkflowID, e.JobID)
}

// StorageError wraps a storage failure with the operation and key involved.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func NewStorageError(op, key string, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Err: err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

func IsStatusMismatch(err error) bool {
	return errors.Is(err, ErrStatusMismatch)
}

func IsAlreadyStarted(err error) bool {
	return errors.Is(err, ErrAlreadyStarted)
}

func IsNotStarted(err error) bool {
	return errors.Is(err, ErrNotStarted)
}
