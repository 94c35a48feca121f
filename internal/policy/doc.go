// Package policy decides whether an inbound webhook call may proceed.
//
// Checks run in a fixed order and stop at the first failure:
//   - client address must be on the allow-list (exact string match, no CIDR)
//   - method must not be in the denied set (DELETE by default)
//   - client must be within its sliding-window rate limit
//
// Rate state is only touched once the first two checks pass, so callers that are
// not allow-listed or use a denied method can never grow or reset a window.
//
// State is in-memory and per process. A restart forgets every window.
package policy
