// Package reportsync ties together the report-server synchronization client
// and the local instance lifecycle controller. The root package carries the
// shared Config, optional telemetry and an in-memory TestServer; the work is
// done by the subpackages:
//
//   - resource: templates, items, sessions, datasets and item categories,
//     their tag and query languages, and version-dependent payload encoding.
//   - client: the HTTP client. RetryingTransport retries connect-phase
//     failures; Client pushes resources parent-first, repairs rejected
//     foreign keys once and copies between servers.
//   - portalloc: exclusive port discovery under a cross-process file lock.
//   - instance: create, launch, stop and delete a locally spawned server.
//
// # Pushing items
//
//	cli, err := client.New("http://127.0.0.1:8000", client.WithCredentials("admin", "secret"))
//	if err != nil { log.Fatal(err) }
//	defer cli.Close()
//
//	it := cli.NewItem("temperature")
//	if _, err := it.SetTable([]float64{21.5, 22.0, 22.4}, nil, []string{"a", "b", "c"}); err != nil {
//	    log.Fatal(err)
//	}
//	// The current session and dataset are pushed first, and only when
//	// their content changed since the previous push.
//	if err := cli.Put(ctx, it); err != nil { log.Fatal(err) }
//
// # Local instances
//
//	mgr, err := instance.New(instance.Config{
//	    Executable: "report-server",
//	    Directory:  "/srv/reports/db",
//	    Username:   "admin",
//	    Password:   "secret",
//	})
//	if err != nil { log.Fatal(err) }
//	if err := mgr.Create(ctx); err != nil { log.Fatal(err) }
//	if err := mgr.Launch(ctx); err != nil { log.Fatal(err) }
//	defer mgr.Stop(context.Background(), "done")
//
// # Testing
//
// StartTestServer runs an in-memory report server on a loopback listener
// and returns a client bound to it. WithTestChaos inserts a proxy that
// resets connections so transport retries can be exercised end to end.
package reportsync
