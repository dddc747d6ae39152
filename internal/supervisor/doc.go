// Package supervisor runs a single external agent worker process and turns
// its lifecycle into an ordered stream of events.
//
// A Worker wraps one process invocation: spawn, output capture, termination
// with escalation, and exit notification. A Supervisor owns at most one
// active Worker at a time, exposes Start, Stop and Status commands, and
// publishes Log, Error and StatusChange events to any number of
// subscribers.
package supervisor
