// Package redis provides a condition cache backed by Redis, so a late request
// that lands on a different connection manager instance still learns why its
// session or stream ended. Entries are plain string keys set with an expiry.
//
// Example:
//
//	cache, err := redis.NewFromEnv()
//	if err != nil { /* handle */ }
//	defer cache.Close()
//	engine, err := bosh.NewEngine(conn, bosh.WithConditionCache(cache))
package redis
