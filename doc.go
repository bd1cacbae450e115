// Package posbase is the storage and indexing core of a hotel/restaurant
// point-of-sale system.
//
// Every entity (dishes, orders, hotel rooms, ...) is stored as an individual
// key-value record under "<collection>:<id>", and each collection keeps a
// companion "<collection>:index" record listing the IDs believed live in that
// collection. All CRUD paths are responsible for keeping the two in sync;
// drift between them is detectable and repairable with RepairService.
//
// # Quick start
//
//	storage, err := posbase.Open(posbase.ConfigFromEnv())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer storage.Close()
//
//	ctx := context.Background()
//	dish, err := storage.Create(ctx, "dishes", posbase.Record{
//	    "name":     "Kung Pao Chicken",
//	    "price":    35.0,
//	    "category": "热菜",
//	})
//
// Backends are selected once at startup: a Redis/Upstash-compatible server
// when REDIS_URL is set, a filesystem tree when DATA_PATH is set, and a
// non-persistent in-process map otherwise. The in-process fallback exists so
// the system is testable and demoable without credentials; destructive
// operations such as seeding refuse to run against it.
package posbase
