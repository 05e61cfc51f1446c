// Package relay owns the voice command relay between the DAL binding and the
// firmware voice actions.
//
// Ownership boundary:
// - callback hand-off (single-slot mailbox)
// - dispatch worker and opcode table
// - basic-result response synthesis
// - bootstrap: attach, version check, init call, worker start
//
// Exactly one worker goroutine consumes the mailbox. The producer is the
// binding's callback context and never blocks.
package relay
