// Package memgate is the write-path reliability core of a memory gateway.
//
// Every write is audited before and regardless of its downstream outcome:
//  1. The Coordinator validates a request, consults the policy layer and tries
//     the downstream memory store directly.
//  2. A transient downstream failure redirects the write to the outbox; the
//     outbox entry and its "redirected" audit row are committed together.
//  3. A Worker leases pending outbox entries, retries delivery with backoff and
//     finalizes each entry as sent or dead, auditing every attempt.
//
// Storage backends live in the mysql, postgres and memstore packages.
package memgate
