// Package harness runs conformance scenarios against real docmap stores.
//
// A scenario is a YAML file naming a CUE model, a set of stores and a list
// of steps: inserts, reads, updates, deletes, fetches, pulls, pushes and
// conflict resolutions. Every step runs through the persist package exactly
// as an application would, each store being a SQLite file in a temporary
// directory. Reference ids come from a sequential generator, so traces are
// deterministic and can be compared with golden files.
//
// Records are named by symbolic refs ("alice", "ops") in the scenario. The
// harness maps each ref to the id assigned on insert and writes ids back
// as refs in the trace.
//
// Example:
//
//	name: first-save-wins
//	description: two readers of the same version race to save
//	model: ../models/people.cue
//	steps:
//	  - insert: [{entity: Person, ref: alice, fields: {name: Alice}}]
//	  - {context: a, read: [alice]}
//	  - {context: b, read: [alice]}
//	  - {context: a, update: [{ref: alice, fields: {name: Alicia}}]}
//	  - {context: b, update: [{ref: alice, fields: {name: Ally}}], expect: {error: CONFLICT}}
//	assertions:
//	  - {type: record, ref: alice, expect: {name: Alicia}}
package harness
