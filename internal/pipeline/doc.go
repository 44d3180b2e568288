// Package pipeline defines the shared types and collaborator interfaces for
// the vodsync stint pipeline: work items, record entries, reservations, and
// the contracts between the supervisor and its discovery, execution, storage,
// and publishing collaborators.
package pipeline
