// Package recording holds the recorded-exchange data model and the match
// store that files exchanges under their fingerprint keys.
//
// # Fixture format
//
// A store serializes to a single JSON document mapping a fingerprint key to
// the exchanges recorded under it:
//
//	{
//	  "3f2a...": [
//	    {"req": {"url": "...", "method": "GET", "body": "", "headers": {...}},
//	     "res": {"status": 200, "headers": {...}, "body": {...}}}
//	  ]
//	}
//
// The document is meant to be checked in and edited by hand. A key whose list
// is empty is kept as-is and means "known, but nothing to replay".
//
// # Persistence
//
// The store never touches the filesystem. Every change produces a snapshot
// that is handed to a Persister; snapshots identical to the last one handed
// off are skipped.
package recording
