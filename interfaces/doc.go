// Package interfaces defines the core types and contracts shared by the
// distributed trust and recovery subsystem. It is the boundary between the
// four engines (anomaly scoring, threshold signing, MFA sessions, guardian
// recovery) and their collaborators (record storage, wallet execution,
// authenticated encryption), without any implementation details.
//
// All mutable state owned by an engine is exposed only through these
// contracts, never through shared references. Persistence is authoritative;
// any in-memory structure built on top of it is a rebuildable index.
package interfaces
