// Package store provides the SQLite-backed document store: a revision tree
// per document with content-addressed revision tokens, attachments, a
// changes feed and replication checkpoints.
//
// # Revisions
//
// Revision tokens are "<generation>-<hash>" where the hash covers the parent
// token, the deleted flag, the canonical JSON body and the attachment
// digests (ir.NextRev). Clients never construct them.
//
// Writes are compare-and-swap against the document's winning revision. A
// batch applied with Apply commits entirely or not at all; every stale id is
// reported in one Conflict error.
//
// Replicated revisions enter through ForceInsert, which never checks
// expectations and may create a second live branch: a conflict.
//
// # Winner
//
// Among leaf revisions, live ones win over deleted ones, then the highest
// generation, then the highest hash. The winner is projected into the
// documents table, which is what fetch queries read.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All queries returning lists end with a deterministic id or seq ordering.
package store
