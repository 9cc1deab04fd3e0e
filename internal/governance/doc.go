// Package governance holds the step execution guardrails: retry policies
// with capped exponential backoff and per-step timeout resolution. The
// scheduler consults it on every step attempt.
package governance
