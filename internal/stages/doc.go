// Package stages implements the three pipeline stages: requirement analysis,
// artifact generation and verification generation.
//
// Each stage makes exactly one text-generation call per execution. A stage
// carries a strategy per mode: the standard strategy asks for a best effort
// answer, the strict strategy asks for a more rigorous one at temperature 0
// and validates minimums, lowering confidence for every shortfall.
//
// Failures talking to the generator or decoding its answer never escape
// Execute. They become a failed StageOutcome and one entry in the state's
// error ledger. Only a missing precondition is returned as an error, wrapping
// ErrPrecondition.
package stages
