// Package bootstrap wires custodian's components together: configuration,
// logging, storage backends, the task queue, the worker pool and the HTTP
// API, plus the graceful shutdown path.
package bootstrap
