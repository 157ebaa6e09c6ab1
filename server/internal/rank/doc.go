// Package rank holds the immutable QRank snapshot served to lookups and the
// loader that builds it from the on-disk artifact.
//
//   - Mapping: read-only map of entity ID (e.g. "Q42") to rank, stamped with
//     the validation token it was loaded with, the load time and a generation
//   - Load(path): decodes a gzip-compressed CSV with an "Entity" and a
//     "QRank" column; returns ErrAbsent when the file does not exist and an
//     error wrapping ErrLoad for any structural problem
//
// A Mapping is never modified after Load returns it, so it can be shared by
// any number of goroutines without locking.
package rank
