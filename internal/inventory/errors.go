package inventory

import (
	"fmt"

	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

// ErrInventoryUpdateFailed marks a catalog mirror update that exhausted its retries.
var ErrInventoryUpdateFailed = pkgerrors.New(pkgerrors.CodeDependency, "inventory update failed")

// UpdateError carries the item and attempt count of a failed catalog update.
type UpdateError struct {
	ItemID    string
	Operation string
	Attempts  int
	Err       error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("inventory %s for item %s failed after %d attempt(s): %v", e.Operation, e.ItemID, e.Attempts, e.Err)
}

func (e *UpdateError) Unwrap() []error {
	return []error{ErrInventoryUpdateFailed, e.Err}
}
