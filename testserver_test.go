package reportsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/reportsync/client"
	"pkt.systems/reportsync/resource"
)

func TestNewTestServerDefault(t *testing.T) {
	ts := StartTestServer(t, WithTestLoggerFromTB(t, pslog.DebugLevel))
	if ts.Client == nil {
		t.Fatal("expected auto client")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := ts.Client.APIVersion(ctx)
	if err != nil {
		t.Fatalf("api version: %v", err)
	}
	if v != resource.ModernVersion {
		t.Fatalf("expected version %v, got %v", resource.ModernVersion, v)
	}
	it := ts.Client.NewItem("default")
	if err := it.SetText("hello"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	if err := ts.Client.Put(ctx, it); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ts.Fake.Count("item") != 1 || ts.Fake.Count("session") != 1 || ts.Fake.Count("dataset") != 1 {
		t.Fatalf("unexpected counts item=%d session=%d dataset=%d", ts.Fake.Count("item"), ts.Fake.Count("session"), ts.Fake.Count("dataset"))
	}
}

func TestNewTestServerCredentials(t *testing.T) {
	ts := StartTestServer(t, WithTestCredentials("admin", "secret"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.Client.Validate(ctx); err != nil {
		t.Fatalf("validate with credentials: %v", err)
	}
	anon, err := client.New(ts.URL(), client.WithCredentials("admin", "wrong"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := anon.Validate(ctx); !errors.Is(err, client.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestNewTestServerWithChaos(t *testing.T) {
	ts := StartTestServer(t,
		WithTestChaos(&ChaosConfig{Seed: 123, ResetFirst: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
		WithTestClientOptions(client.WithFailureRetries(5), client.WithRetryBackoff(time.Millisecond, 5*time.Millisecond)),
	)
	if ts.Addr().String() == ts.URL()[len("http://"):] {
		t.Fatalf("expected proxy address to differ from %s", ts.Addr())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Client.Validate(ctx); err != nil {
		t.Fatalf("validate through chaos proxy: %v", err)
	}
	if got := ts.Resets(); got != 2 {
		t.Fatalf("expected 2 reset connections, got %d", got)
	}
}

func TestNewTestServerWithoutClient(t *testing.T) {
	ts := StartTestServer(t, WithoutTestClient(), WithTestAPIVersion(0.9))
	if ts.Client != nil {
		t.Fatalf("expected client to be nil")
	}
	cli, err := ts.NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := cli.APIVersion(ctx)
	if err != nil {
		t.Fatalf("api version: %v", err)
	}
	if !v.Legacy() {
		t.Fatalf("expected legacy version, got %v", v)
	}
}
