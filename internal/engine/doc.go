// Package engine implements the daily nudge checks.
//
// RunDailyChecks scans the Record Store and evaluates three rules, each over
// every patient before the next rule starts:
//
//	A  low sessions   active package with 0 < remaining < threshold
//	B  renewal        any package with remaining == 0, once per package
//	C  dormant        Client with no recent visit and no active package
//
// Cooldown guards:
// Rules A and C use a time window (HasRecentMessage). Rule B uses a permanent
// key on trigger_data.package_id (HasMessageWithTriggerKey). Only messages
// with status "sent" satisfy either guard, so a failed delivery is retried
// on the next run.
//
// Run lock:
// The whole scan holds a mutex. A manual trigger that overlaps the scheduled
// run waits for it instead of racing it past the guards.
//
// Failure isolation:
// Errors for one patient (unknown records, delivery failures, ledger
// integrity violations) are collected into Summary.Errors and the scan moves
// on. RunDailyChecks only returns an error when it cannot list the records
// it scans.
package engine
