// Package matching picks the recorded exchange closest to a live request.
//
// Closeness is the Levenshtein distance between the canonical JSON encodings
// of the two requests. Scans are stable: among equally close candidates the
// earliest recorded one wins, so a given store always replays the same
// response for the same request.
package matching
