// Package core contains the domain model shared across the custodian
// pipeline: case files and their status state machine, indexed events,
// rule violations, indicators of compromise and pipeline tasks.
//
// Types in this package carry no storage or transport concerns; they are
// persisted by the storage package and moved around by the queue package.
package core
