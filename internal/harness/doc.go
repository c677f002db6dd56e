// Package harness runs YAML scenarios against the real nudge services.
//
// Each scenario gets a fresh in-memory SQLite store, a fake clock and a
// recording gateway, so runs are deterministic and nothing leaves the
// process. Steps call the ledger, the rule engine and the onboarding service
// directly; the outcome of every step is recorded in a trace.
//
// # Scenario Format
//
//	name: low_sessions_warning
//	description: "A patient with 2 sessions left is warned once a week"
//	start: 2026-03-02T09:00:00Z
//	setup:
//	  - action: contact.create
//	    args: { first_name: Ann, email: ann@example.com, status: Client }
//	  - action: package.create
//	    args: { name: Recovery 12, sessions: 12, price: 900 }
//	flow:
//	  - invoke: checks.run
//	    args: {}
//	    expect:
//	      case: ok
//	      result: { low_sessions: 1 }
//	assertions:
//	  - type: row_count
//	    table: automated_messages
//	    where: { email_type: low_sessions_warning }
//	    count: 1
//
// A step's case is "ok" when the call succeeded, or the domain error code
// (NOT_FOUND, EXHAUSTED, DELIVERY_FAILED, INTEGRITY, INVALID) when it did
// not. Expected results are subset matches.
//
// # Actions
//
//	contact.create            first_name, last_name, email, status
//	contact.set_status        patient, status
//	contact.intake_completed  patient
//	previsit.trigger          patient
//	task.complete             task, notes
//	package.create            name, sessions, price, description
//	package.purchase          patient, package
//	session.consume           patient_package
//	booking.check             patient
//	appointment.book          patient, in_days, in_hours, notes
//	checks.run
//	clock.advance             days, hours
//	gateway.fail              to (all recipients when omitted)
//	gateway.recover
//
// # Assertion Types
//
//   - trace_contains: an action was invoked with matching args
//   - trace_order: actions were invoked in this order
//   - trace_count: an action was invoked exactly N times
//   - final_state: exactly one row in a table matches where, and has the expected values
//   - row_count: exactly N rows in a table match where
//   - emails_sent: exactly N emails reached the gateway, optionally for one recipient
package harness
