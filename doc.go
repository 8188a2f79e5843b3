// Package fortigo is a resilience layer for outbound calls to a single
// external HTTP service. It composes per-caller rate limiting, a TTL
// response cache with stale fallback, per-operation circuit breakers,
// retries with exponential backoff and rolling health classification
// behind one façade:
//
//	client, err := fortigo.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	res, err := client.Call(ctx, fortigo.Request{
//		Operation: "listRooms",
//		CallerKey: "tenant-7",
//		Kind:      fortigo.Read,
//		CacheKey:  "rooms:list",
//		Do: func(ctx context.Context) ([]byte, error) {
//			return fetchRooms(ctx)
//		},
//	})
//
// The upstream transport stays the caller's concern: Call receives a
// callable and decides whether, when and how often to run it.
package fortigo
