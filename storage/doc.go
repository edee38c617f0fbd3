// Package storage provides pluggable persistence for the trust and recovery
// subsystem.
//
// A Backend stores opaque records under hierarchical keys. The Records type
// layers JSON codecs, the service's typed store contracts and a rebuildable
// in-memory request index on top of any Backend, so the backing store stays
// authoritative and the process can restart from it alone.
//
// # Storage URI Format
//
// Backends are created from location URIs through the Factory:
//
//   - memory:// for tests and ephemeral deployments
//   - file:///var/lib/trustd/records/
//   - s3://bucket-name/prefix/?region=us-west-2
//   - vault://vault.example.com:8200/secret/trustd/?token=...
//
// # Key Layout
//
// Records are grouped by concern under fixed prefixes:
//
//	recovery/configs/<wallet>     guardian rosters and recovery policy
//	recovery/requests/<id>        recovery request lifecycle records
//	recovery/backups/<principal>/<wallet>  sealed wallet backup blobs
//	events/<principal>/<ts>-<id>  append-only security event history
//	signer/shares/<wallet>        encrypted key share sets
//	mfa/enrollments/<principal>   factor enrollments
//
// Event keys embed the event timestamp, so chronological listing for one
// principal is a sorted prefix scan.
package storage
