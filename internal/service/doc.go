// Package service is the facade over the persistence layer.
//
// A Service owns one store connection, a query cache, a transaction
// manager, and a data change bus, and shuts them down in dependency
// order on Close. Entity helpers follow one discipline:
//
//   - Reads go through the cache, keyed per query shape and tagged
//     with the tables they touch.
//   - Writes run in a transaction. Only after commit does the service
//     invalidate the affected tags and publish a change event, so a
//     rolled back write is invisible to caches and subscribers.
//
// # Usage
//
//	svc, err := service.New(cfg, logger)
//	if err != nil { ... }
//	defer svc.Close()
//
//	customers, err := svc.ListCustomers(ctx, "", service.Page{Limit: 50})
package service
