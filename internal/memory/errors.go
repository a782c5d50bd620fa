package memory

import "errors"

// ErrResponseTooLarge is returned when an LLM response exceeds
// maxParsedResponseBytes before parsing is attempted.
var ErrResponseTooLarge = errors.New("memory: llm response too large")

// ErrRepairExhausted is returned when the reconciliation repair loop still
// has UPDATE/DELETE actions referencing unknown temp ids after
// MaxReconcileRetries attempts.
var ErrRepairExhausted = errors.New("memory: unresolvable action ids after repair retries")
