// Package httpapi exposes a pgwatch outbox over HTTP with a chi router: publishing,
// range reads, the channel high-water mark, consumer checkpoints and a health probe.
//
//	r := chi.NewRouter()
//	r.Mount("/", httpapi.Router(httpapi.RouterOptions{
//		Publisher:    engine,
//		Store:        store,
//		Checkpoints:  store,
//		Healthchecks: []func(context.Context) error{postgres.Healthcheck(pool)},
//	}))
package httpapi
