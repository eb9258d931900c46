// Package groups implements the group session manager.
//
// The manager guarantees that before any encrypt, decrypt, or invite
// operation on a group, local group state exists and is consistent with
// the relay's view of membership. It owns the pending-welcome set, the
// per-group message lists, and the local-repair path that rebuilds lost
// local crypto state without mutating the group id or the remote
// membership record.
//
// Mutations on the same group are serialized by a per-group mutex;
// operations on different groups proceed concurrently.
package groups
