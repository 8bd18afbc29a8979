package health

import "context"

// Pinger is the subset of a database store needed for readiness probing.
// Both *postgres.Store and the in-memory dev gateway satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a [Checker] that probes the persistent store. A broker
// that cannot reach its ledger must not accept traffic, so this check gates
// readiness.
func Database(p Pinger) Checker {
	return Checker{
		Name:  "database",
		Check: p.Ping,
	}
}
