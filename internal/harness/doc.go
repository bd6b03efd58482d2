// Package harness runs YAML scenarios against the Data Engine.
//
// A scenario names a schema, seeds records in setup, then drives create,
// update, delete, list, posting and action steps in its flow. Every step
// leaves an invocation and a completion in the trace, so assertions can
// check what ran, in which order, and how it ended. Scenarios run on an
// in-memory store with a frozen clock and sequential ids, which keeps
// traces byte-for-byte reproducible for golden comparison.
//
// Scenario layout:
//
//	name: post_journal
//	schema: ../schema/app.yaml
//	now: "2024-03-15"
//	setup:
//	  - op: create
//	    entity: Account
//	    as: cash
//	    record: {code: "101", name: Cash, type: Asset}
//	flow:
//	  - op: update
//	    entity: JournalEntry
//	    id: $entry
//	    record: {status: Posted}
//	    expect: {error: VALIDATION, message: "not balanced"}
//	assertions:
//	  - type: final_state
//	    entity: JournalEntry
//	    where: {id: $entry}
//	    expect: {status: Draft}
//
// Strings starting with $ refer to ids bound by an earlier step's as.
package harness
