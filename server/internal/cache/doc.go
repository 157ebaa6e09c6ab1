// Package cache publishes the current rank.Mapping to readers.
//
// The published mapping sits behind an atomic pointer. Lookups load the
// pointer once and read from that snapshot, so they never wait on a refresh
// and a refresh never waits on them. Publish replaces the pointer wholesale;
// lookups that loaded the previous snapshot finish against it unaffected.
package cache
