// Package sched is a domain-agnostic concurrent request scheduling core: it
// admits units of work through a token-bucket gate, queues them with
// priority-aware weighted round-robin fairness, dispatches them to a bounded
// worker pool that invokes caller-registered handlers, and tracks per-caller
// session state. A LoadBalancer can spread submissions across several
// independent instances.
//
// The scheduler never inspects request payloads; it only looks at priority,
// type and session identifiers.
package sched
