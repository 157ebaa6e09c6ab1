// Package refresh coordinates downloading, storing, loading and publishing
// the QRank dataset.
//
// A Coordinator owns a single refresh slot. Refresh waits up to a timeout for
// the slot (Busy if it cannot get it), then, while holding it:
//
//	origin.Fetch (conditional unless forced)
//	  304           -> NoChange
//	  error         -> Failed (ErrTransport)
//	  2xx           -> store.Write -> rank.Load -> Publish -> NewMapping
//	                   write error -> Failed (ErrTransport or ErrStore)
//	                   load error  -> Failed (ErrCorrupt)
//
// Publishing happens before the slot is released, so mappings are published
// in the order their refreshes ran and an older mapping can never replace a
// newer one. The slot is released on every path, panics included.
//
// The Scheduler calls Refresh on a fixed interval from one long-lived
// goroutine; manual refreshes from the API go through the same Coordinator
// and therefore serialise with it. Bootstrap serves the artifact already on
// disk if there is one and otherwise blocks on a forced refresh.
package refresh
