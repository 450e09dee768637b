// Package policy holds the failure and pacing rules the engine loop applies
// between items: per-item retry with backoff, the engine-wide circuit
// breaker, the adaptive throttle and the quality gate.
//
// None of the types here lock; the engine loop is their only caller.
package policy
