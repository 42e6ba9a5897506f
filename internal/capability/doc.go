// Package capability defines the boundary to the downstream computation
// service that performs an execution's actual work, along with a registry
// that resolves capabilities by name.
package capability
