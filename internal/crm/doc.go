// Package crm defines the records the practice nudge core reads and writes.
//
// Records are plain values. Persistence lives in internal/store; behaviour
// lives in the ledger, engine and onboarding packages.
//
// Every reference to a contact uses the field name patient_id, whether the
// contact is still a lead or already a client.
package crm
