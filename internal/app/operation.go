package app

import "strings"

// Operation tracks a CLI command that may mutate the manifest store.
// Operations start in memory with ID=0; only mutating commands persist
// them, which gives them an ID from the database.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string // "success", "partial" or "error"
}

// NewOperation creates an in-memory operation. args are recorded as its
// parameters.
func NewOperation(operation string, args ...string) *Operation {
	return &Operation{
		Operation:  operation,
		Parameters: strings.Join(args, " "),
		Status:     "success",
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Record folds the outcome of one step into the operation status. An error
// wins over a partial result.
func (op *Operation) Record(partial bool, err error) {
	switch {
	case err != nil:
		op.Status = "error"
	case partial && op.Status == "success":
		op.Status = "partial"
	}
}
