package budget

import "fmt"

// InsufficientBudgetError describes a denied admission in error form. It is
// recoverable: the caller decides whether to wait, retry later, or abort.
type InsufficientBudgetError struct {
	Action   string
	Current  int
	Required int
	Deficit  int
	Reason   Reason
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("budget: %s denied (%s): balance %d, required %d, deficit %d",
		e.Action, e.Reason, e.Current, e.Required, e.Deficit)
}
