// Package anomaly implements the behavioral intrusion-detection engine. It
// ingests security events per principal, maintains a decaying risk score,
// issues allow/deny verdicts and manages temporary lockouts and source-IP
// denylisting.
//
// The event store is authoritative; per-principal scoring state is a
// rebuildable in-memory index, reconstructed by folding the principal's
// persisted event history in chronological order on first access.
package anomaly
