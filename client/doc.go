// Package client provides the Go SDK for talking to a report server over
// HTTP. It mirrors the CLI behaviour while exposing a type-safe API that is
// easy to embed in test harnesses, build pipelines and migration tools.
//
// # Quick start
//
// Construct a client with client.New and push items. The client owns a
// current Session and Dataset; the first Put of an item pushes them before
// the item itself:
//
//	ctx := context.Background()
//	cli, err := client.New("http://127.0.0.1:8000",
//	    client.WithCredentials("admin", "secret"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	it := cli.NewItem("build log")
//	if err := it.SetText("all green"); err != nil {
//	    log.Fatal(err)
//	}
//	it.AddTag("branch", "main")
//	if err := cli.Put(ctx, it); err != nil {
//	    log.Fatal(err)
//	}
//
// Payloads are encoded for the server's API version, which is fetched once
// per client and cached. Servers below 1.0 receive the legacy encoding.
//
// # Queries
//
// Get and Delete take a resource.Query built from stanzas:
//
//	q := resource.Query{}.And("i_name", "cont", "build").And("i_tags", "cont", "main")
//	found, err := cli.Get(ctx, resource.KindItem, q)
//
// resource.ParseQuery accepts the textual form used on the command line,
// for example "A|i_name|cont|build;".
//
// # Transport retries
//
// Every request goes through a RetryingTransport. Dial failures are retried
// with capped exponential backoff up to WithFailureRetries attempts. A
// connection reset or closed after the request was written is retried the
// same way for GET, PUT and DELETE but never for POST. Responses are never
// retried, whatever their status, so a 403 surfaces immediately as
// ErrPermissionDenied.
//
// # Parent repair
//
// When the server rejects an item because its session or dataset is
// missing, Put pushes the parents again and retries the item once. A second
// rejection is returned to the caller as an *APIError.
//
// # Copying between servers
//
// CopyItems copies matching items together with only the sessions and
// datasets they reference. CopyTemplates expands the matched templates to
// every template reachable through parent and child links, pushes the
// subtree without links first and then restores the links. Links to
// templates that no longer exist on the source are dropped and reported in
// CopyResult.Unresolved.
//
// # Observability
//
// WithLogger attaches a pslog logger; requests log at trace level and
// retries at debug level. WithMeterProvider records request, retry, push and
// repair counters, and WithTracing wraps the transport with otelhttp.
// Every request carries an X-Correlation-Id header; use WithCorrelationID to
// set it from a caller's context.
package client
