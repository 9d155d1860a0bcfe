package bracket

import "fmt"

// ValidationError rejects a malformed request before any state is touched.
// Field names the offending input field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// NotFoundError signals an unknown bracket order id on a path where absence
// is unexpected (execution reports, trailing updates). Lookup-style
// operations such as Cancel report absence with a false return instead.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("bracket order %s not found", e.ID)
}

// ConflictError signals a mutation attempted on a terminal aggregate.
type ConflictError struct {
	ID     string
	Status string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("bracket order %s is %s and accepts no further mutation", e.ID, e.Status)
}

// BrokerRejectionError carries a broker-side rejection propagated through
// the execution-callback boundary. It drives the FAILED transition.
type BrokerRejectionError struct {
	ID     string
	Reason string
}

func (e *BrokerRejectionError) Error() string {
	return fmt.Sprintf("bracket order %s rejected by broker: %s", e.ID, e.Reason)
}
