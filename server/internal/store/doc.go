// Package store manages the downloaded QRank artifact and its sidecar
// metadata in the data directory.
//
// Layout:
//
//	<dir>/qrank.csv.gz          the artifact, exactly as served by the origin
//	<dir>/qrank_metadata.json   {"etag", "size", "xxhash", "fetched_at"}
//
// Write streams into a temp file in the same directory, fsyncs it and renames
// it over the artifact; only then is the metadata replaced, again through a
// temp file and rename. Readers therefore see either the old pair or the new
// artifact, never a torn file. If the metadata step fails the new artifact
// stays in place without a matching token; ReadToken detects the mismatch via
// size and digest and reports no token, so the next refresh fetches in full.
package store
