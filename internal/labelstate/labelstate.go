// Package labelstate declares the contract for a domain-label state
// manager (e.g. driving a task tracker's labels off review outcomes).
//
// This is explicitly out of scope per spec.md §1: "any domain-label state
// manager for task tracking" is named as an external collaborator the core
// pipeline never calls. The interface is kept here, unimplemented, so a
// host application can supply a concrete Manager without the pipeline
// depending on any particular task tracker.
package labelstate

import "context"

// Manager applies and removes labels on an external task-tracking item in
// response to review outcomes. No implementation ships in this module.
type Manager interface {
	ApplyLabel(ctx context.Context, owner, repo string, itemID int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, itemID int, label string) error
}
