// ABOUTME: Package documentation for the wallet identity validator
// ABOUTME: Describes the per-address state machine and its logout reset

// Package wallet guards against an admin connecting an external wallet that
// is not the one recorded on their profile.
//
// Each observed address moves through
//
//	unvalidated -> validating -> validated | rejected
//
// A new address waits out a settle delay before it is compared, case
// insensitively, with the address on file. The verdict is cached for the
// rest of the session. A rejected address triggers the Disconnect hook and an
// Alert naming the expected address.
//
// The validator is advisory and client-resident. The server never trusts it.
// Wire Reset to the session's logout so a new identity starts clean:
//
//	sess.OnLogout(validator.Reset)
package wallet
