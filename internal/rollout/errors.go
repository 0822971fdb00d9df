package rollout

import "fmt"

// ProgressStalledError reports a forcing-loop iteration that produced zero new
// tokens for a request after splicing. Retrying with identical state would
// reproduce the same failure, so the request is aborted instead.
type ProgressStalledError struct {
	RequestID      int
	ConsumedBudget int
}

func (e *ProgressStalledError) Error() string {
	return fmt.Sprintf("request %d: forcing round made no progress at %d consumed tokens",
		e.RequestID, e.ConsumedBudget)
}

// MalformedOutputError reports a generator round that returned a sequence
// shorter than the context it was given, which violates the generator
// contract.
type MalformedOutputError struct {
	RequestID int
	Context   int
	Returned  int
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("request %d: generator returned %d tokens for a %d token context",
		e.RequestID, e.Returned, e.Context)
}
