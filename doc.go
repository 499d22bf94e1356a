// Package tiercache turns a batch fetch function into a cached function backed
// by up to two cache tiers: a local (in-process) tier and a distributed tier.
//
// A call to GetMany:
//
//  1. collapses duplicate keys under the configured KeyComparer
//  2. splits keys into cache-eligible and force-fetch (SkipGet predicates)
//  3. reads the local tier, then the distributed tier for what is still missing
//  4. fetches the residual misses, optionally split into batches
//  5. writes fetched values back to both tiers with a TTL
//  6. merges hits and fetched values into the returned map
//
// Every tier is wrapped in a decorator chain built by Chain. Outermost first:
//
//	custom wrappers -> in-flight counter -> error swallowing -> notification
//	  -> error formatting -> single-flight -> tier
//
// Components:
//   - Cache[K,V]: the tier contract. ttlstore.Store is the in-memory tier;
//     ProviderCache adapts any provider.Provider byte store (Redis, Ristretto,
//     BigCache) through a codec.Codec[V].
//   - Events: append/prepend/overwrite observer lists for engine and tier events.
//     hooks/async, hooks/otel, sloghooks and metrics/prom ship ready observers.
//   - Registry: explicitly owned set of in-flight gauges.
//
// Concurrent identical requests share one fetch when Deduplicate is set.
// Cancelling one caller never cancels a fetch shared with others.
package tiercache
