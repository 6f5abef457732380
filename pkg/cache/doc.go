// Package cache provides response caching for the iLINCS client with a Redis
// or an on-disk Pebble backend.
//
// A freeze run downloads the same metadata collections and signature batches
// every time it is started. Caching successful responses lets an interrupted
// run be restarted without re-issuing the requests that already succeeded.
//
// # Basic Usage
//
//	// Redis backend
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := cache.NewManager(redisClient)
//
//	// or Pebble backend
//	store, err := cache.OpenPebble("./.cache")
//
//	key := cache.CacheKey{
//		Endpoint: "/ilincsR/downloadSignature",
//		Params:   url.Values{"sigID": []string{"LINCSCP_1,LINCSCP_2"}},
//	}
//
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from iLINCS, then
//		_ = store.Set(ctx, key, cache.NewEntry(body, http.StatusOK, 24*time.Hour))
//	}
//
// Only successfully decoded responses are stored; failed attempts never reach
// the cache, so a retry after an error always goes to the network.
//
// # Metrics
//
//   - ilincs_cache_hits_total{backend} - Cache hits
//   - ilincs_cache_misses_total{backend} - Cache misses
//   - ilincs_cache_written_bytes_total{backend} - Bytes written
//   - ilincs_cache_errors_total{backend, operation} - Cache operation errors
package cache
