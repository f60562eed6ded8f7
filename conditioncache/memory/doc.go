// Package memory provides a process-local terminate-condition cache for the
// BOSH engine. Entries live in a map guarded by a mutex and expire lazily on
// lookup; no background goroutine is started.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Expiry            : checked on Get, swept on Put
//
// Example:
//
//	cache := memory.New()
//	engine, err := bosh.NewEngine(conn, bosh.WithConditionCache(cache))
//
// Deployments that run several connection managers behind one address should
// share conditions through the redis package instead.
package memory
