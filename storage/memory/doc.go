// Package memory provides an in-memory implementation of the storage interfaces.
//
// Maps are guarded by one sync.RWMutex, which also makes every atomic contract
// operation a single critical section. It suits development, tests and
// single-instance deployments. For shared deployments use storage/valkey.
//
// The store starts no goroutines. Expired entries are removed by the server
// sweeper through the DeleteExpired methods.
//
// Example usage:
//
//	store := memory.New()
//	srv, err := oauth.NewServer(oauth.Dependencies{Store: store, Users: users}, config, logger)
package memory
