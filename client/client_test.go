package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/reportsync/api"
	"pkt.systems/reportsync/internal/fakeserver"
	"pkt.systems/reportsync/resource"
)

type headerRecorder struct {
	mu   sync.Mutex
	cids []string
	next http.Handler
}

func (h *headerRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.cids = append(h.cids, r.Header.Get(headerCorrelationID))
	h.mu.Unlock()
	h.next.ServeHTTP(w, r)
}

func (h *headerRecorder) correlationIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cids...)
}

func newFakeClient(t *testing.T, opts fakeserver.Options, clientOpts ...Option) (*Client, *fakeserver.Server, *headerRecorder) {
	t.Helper()
	fake := fakeserver.New(opts)
	rec := &headerRecorder{next: fake}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	if opts.Username != "" {
		clientOpts = append([]Option{WithCredentials(opts.Username, opts.Password)}, clientOpts...)
	}
	cli, err := New(srv.URL, clientOpts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli, fake, rec
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func countRequests(fake *fakeserver.Server, method, prefix string) int {
	n := 0
	for _, r := range fake.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "  ", "ftp://example.com", "unix:///tmp/sock"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	cli, err := New("http://example.com/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.BaseURL() != "http://example.com" {
		t.Fatalf("expected trailing slash trimmed, got %s", cli.BaseURL())
	}
}

func TestValidatePermissionDeniedNotRetried(t *testing.T) {
	cli, fake, _ := newFakeClient(t, fakeserver.Options{Username: "admin", Password: "secret"})
	ctx := testContext(t)
	if err := cli.Validate(ctx); err != nil {
		t.Fatalf("validate: %v", err)
	}

	bad, err := New(cli.BaseURL(), WithCredentials("admin", "nope"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	fake.ResetRequests()
	err = bad.Validate(ctx)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("expected APIError 403, got %#v", err)
	}
	if n := len(fake.Requests()); n != 1 {
		t.Fatalf("expected a single request, got %d", n)
	}
}

func TestAPIVersionCachedACLsNot(t *testing.T) {
	cli, fake, _ := newFakeClient(t, fakeserver.Options{Version: 1.0})
	ctx := testContext(t)
	for i := 0; i < 3; i++ {
		v, err := cli.APIVersion(ctx)
		if err != nil {
			t.Fatalf("api version: %v", err)
		}
		if v != resource.ModernVersion {
			t.Fatalf("unexpected version %v", v)
		}
	}
	if n := countRequests(fake, http.MethodGet, "/item/api_version/"); n != 1 {
		t.Fatalf("expected version fetched once, got %d", n)
	}

	fake.ResetRequests()
	on, err := cli.ACLsEnabled(ctx)
	if err != nil || on {
		t.Fatalf("expected ACLs off, got %v %v", on, err)
	}
	fake.SetACLs(true)
	on, err = cli.ACLsEnabled(ctx)
	if err != nil || !on {
		t.Fatalf("expected ACLs on after toggle, got %v %v", on, err)
	}
	if n := countRequests(fake, http.MethodGet, "/item/api_version/"); n != 2 {
		t.Fatalf("expected ACL flag fetched every call, got %d", n)
	}
}

func TestPutPushesParentsFirst(t *testing.T) {
	cli, fake, rec := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)
	tpl := resource.NewTemplate("report", "Layout:panel")
	it := cli.NewItem("first")
	if err := it.SetText("hello"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	fake.ResetRequests()
	if err := cli.Put(ctx, tpl, it); err != nil {
		t.Fatalf("put: %v", err)
	}
	var order []string
	for _, r := range fake.Requests() {
		if r.Path == "/item/api_version/" {
			continue
		}
		order = append(order, r.Method+" "+strings.Split(strings.Trim(r.Path, "/"), "/")[0])
	}
	want := []string{"PUT session", "PUT dataset", "PUT item", "POST reports"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected push order %v, want %v", order, want)
	}
	if !it.Saved() || !tpl.Saved() || !cli.Session().Saved() || !cli.Dataset().Saved() {
		t.Fatal("expected everything saved")
	}
	cids := rec.correlationIDs()
	first := cids[len(cids)-1]
	if first == "" {
		t.Fatal("expected a correlation id on push requests")
	}
	for _, cid := range cids[1:] {
		if cid != first {
			t.Fatalf("expected one correlation id per batch, got %v", cids)
		}
	}
}

func TestPutSkipsUnchangedParents(t *testing.T) {
	cli, fake, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)
	for i := 0; i < 3; i++ {
		it := cli.NewItem("item")
		if err := it.SetText("value"); err != nil {
			t.Fatalf("set text: %v", err)
		}
		if err := cli.Put(ctx, it); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if n := countRequests(fake, http.MethodPut, "/session/"); n != 1 {
		t.Fatalf("expected session pushed once, got %d", n)
	}
	if n := countRequests(fake, http.MethodPut, "/dataset/"); n != 1 {
		t.Fatalf("expected dataset pushed once, got %d", n)
	}

	cli.Dataset().NumElements = 42
	it := cli.NewItem("after change")
	if err := cli.Put(ctx, it); err != nil {
		t.Fatalf("put after change: %v", err)
	}
	if n := countRequests(fake, http.MethodPut, "/dataset/"); n != 2 {
		t.Fatalf("expected changed dataset re-pushed, got %d", n)
	}
	if n := countRequests(fake, http.MethodPut, "/session/"); n != 1 {
		t.Fatalf("expected unchanged session skipped, got %d", n)
	}
	obj, ok := fake.Object("dataset", cli.Dataset().GUID().String())
	if !ok || obj["numelements"] != float64(42) {
		t.Fatalf("expected updated dataset on server, got %v", obj)
	}
}

func TestConcurrentPutsPushParentsOnce(t *testing.T) {
	cli, fake, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)
	items := make([]*resource.Item, 8)
	for i := range items {
		items[i] = cli.NewItem("concurrent")
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(items))
	for _, it := range items {
		wg.Add(1)
		go func(it *resource.Item) {
			defer wg.Done()
			errs <- cli.Put(ctx, it)
		}(it)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if n := countRequests(fake, http.MethodPut, "/session/"); n != 1 {
		t.Fatalf("expected session pushed once, got %d", n)
	}
	if n := countRequests(fake, http.MethodPut, "/dataset/"); n != 1 {
		t.Fatalf("expected dataset pushed once, got %d", n)
	}
	if fake.Count("item") != len(items) {
		t.Fatalf("expected %d items, got %d", len(items), fake.Count("item"))
	}
}

func TestPutIsIdempotentUpdate(t *testing.T) {
	cli, fake, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)
	it := cli.NewItem("same")
	if err := cli.Put(ctx, it); err != nil {
		t.Fatalf("put: %v", err)
	}
	it.SetName("renamed")
	if err := cli.Put(ctx, it); err != nil {
		t.Fatalf("second put: %v", err)
	}
	if fake.Count("item") != 1 {
		t.Fatalf("expected one stored item, got %d", fake.Count("item"))
	}
	obj, _ := fake.Object("item", it.GUID().String())
	if obj["name"] != "renamed" {
		t.Fatalf("expected update applied, got %v", obj["name"])
	}

	tpl := resource.NewTemplate("t", "Layout:basic")
	if err := cli.Put(ctx, tpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	if err := cli.Put(ctx, tpl); err != nil {
		t.Fatalf("update template: %v", err)
	}
	if n := countRequests(fake, http.MethodPost, "/reports/api_list/"); n != 1 {
		t.Fatalf("expected one template create, got %d", n)
	}
	if n := countRequests(fake, http.MethodPut, "/reports/api_detail/"); n != 1 {
		t.Fatalf("expected one template update, got %d", n)
	}
}

func TestPutRepairsInvalidParentOnce(t *testing.T) {
	cli, fake, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)
	first := cli.NewItem("first")
	if err := cli.Put(ctx, first); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Someone removed the session behind our back; the local digest still
	// says it is current.
	fake.Forget("session", cli.Session().GUID().String())
	fake.ResetRequests()

	second := cli.NewItem("second")
	if err := cli.Put(ctx, second); err != nil {
		t.Fatalf("put after forget: %v", err)
	}
	if n := countRequests(fake, http.MethodPut, "/item/api_detail/"); n != 2 {
		t.Fatalf("expected item push + one retry, got %d", n)
	}
	if n := countRequests(fake, http.MethodPut, "/session/"); n != 1 {
		t.Fatalf("expected session repaired once, got %d", n)
	}
	if _, ok := fake.Object("session", cli.Session().GUID().String()); !ok {
		t.Fatal("expected session restored on server")
	}
}

func TestPutRepairFailureSurfaces(t *testing.T) {
	cli, fake, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)
	orphan := resource.NewItem("orphan", nil, nil)
	orphan.SetSession(uuid.New())
	orphan.SetDataset(cli.Dataset().GUID())
	fake.ResetRequests()
	err := cli.Put(ctx, orphan)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.InvalidPK() {
		t.Fatalf("expected invalid pk error, got %v", err)
	}
	if n := countRequests(fake, http.MethodPut, "/item/api_detail/"); n != 2 {
		t.Fatalf("expected exactly one repair retry, got %d item pushes", n)
	}
	if orphan.Saved() {
		t.Fatal("rejected item must stay unsaved")
	}
}

func TestPutSchemaViolationBeforeNetwork(t *testing.T) {
	cli, fake, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)
	if _, err := cli.APIVersion(ctx); err != nil {
		t.Fatalf("api version: %v", err)
	}
	fake.ResetRequests()
	ok := cli.NewItem("ok")
	bad := cli.NewItem(strings.Repeat("n", 256))
	err := cli.Put(ctx, ok, bad)
	if !errors.Is(err, resource.ErrSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
	var schemaErr *resource.SchemaError
	if !errors.As(err, &schemaErr) || schemaErr.Field != "name" || schemaErr.Max != 255 {
		t.Fatalf("unexpected schema error %#v", err)
	}
	if n := len(fake.Requests()); n != 0 {
		t.Fatalf("expected no requests, got %d", n)
	}
}

func TestPutUploadsFilePayload(t *testing.T) {
	cli, fake, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)
	data := []byte("\x89PNG\r\n\x1a\nfake")
	it := cli.NewItem("plot")
	if err := it.SetFile(resource.PayloadImage, "plot.png", data); err != nil {
		t.Fatalf("set file: %v", err)
	}
	if err := cli.Put(ctx, it); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got := fake.File(it.GUID().String()); !bytes.Equal(got, data) {
		t.Fatalf("uploaded file mismatch: %q", got)
	}
	fetched, err := cli.FetchFile(ctx, it.GUID())
	if err != nil {
		t.Fatalf("fetch file: %v", err)
	}
	if !bytes.Equal(fetched, data) {
		t.Fatalf("fetched file mismatch: %q", fetched)
	}
}

func TestPutLegacyServerGetsMarkedPayload(t *testing.T) {
	cli, fake, _ := newFakeClient(t, fakeserver.Options{Version: 0.9})
	ctx := testContext(t)
	it := cli.NewItem("legacy")
	if err := it.SetText("hello"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	if err := cli.Put(ctx, it); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, _ := fake.Object("item", it.GUID().String())
	data, _ := obj["payloaddata"].(string)
	if !strings.HasPrefix(data, resource.LegacyMarker) {
		t.Fatalf("expected legacy marker, got %q", data)
	}

	got, err := cli.GetByGUID(ctx, resource.KindItem, it.GUID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	text, ok := got.(*resource.Item).Payload().(resource.TextPayload)
	if !ok || text.Text != "hello" {
		t.Fatalf("expected text payload round trip, got %#v", got.(*resource.Item).Payload())
	}
}

func TestGetWithQueryAndDelete(t *testing.T) {
	reg := resource.NewRegistry(0)
	cli, fake, _ := newFakeClient(t, fakeserver.Options{}, WithRegistry(reg))
	ctx := testContext(t)
	alpha := cli.NewItem("alpha")
	beta := cli.NewItem("beta")
	beta.AddTag("kind", "probe")
	if err := cli.Put(ctx, alpha, beta); err != nil {
		t.Fatalf("put: %v", err)
	}
	found, err := cli.Get(ctx, resource.KindItem, resource.Query{}.And("i_name", "eq", "alpha"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(found) != 1 || found[0].GUID() != alpha.GUID() {
		t.Fatalf("expected alpha only, got %d results", len(found))
	}
	found, err = cli.Get(ctx, resource.KindItem, resource.Query{}.And("i_tags", "cont", "kind"))
	if err != nil {
		t.Fatalf("get by tag: %v", err)
	}
	if len(found) != 1 || found[0].GUID() != beta.GUID() {
		t.Fatalf("expected beta only, got %d results", len(found))
	}
	found, err = cli.Get(ctx, resource.KindItem, resource.Query{}.And("s_application", "eq", "reportsync"))
	if err != nil {
		t.Fatalf("get by session: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected both items via session join, got %d", len(found))
	}
	if _, ok := reg.Get(alpha.GUID()); !ok {
		t.Fatal("expected fetched resources in registry")
	}

	if err := cli.Delete(ctx, alpha); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if alpha.Saved() || fake.Count("item") != 1 {
		t.Fatalf("expected alpha deleted, saved=%v count=%d", alpha.Saved(), fake.Count("item"))
	}
	if _, ok := reg.Get(alpha.GUID()); ok {
		t.Fatal("expected deleted resource dropped from registry")
	}
	if err := cli.Delete(ctx, alpha); err != nil {
		t.Fatalf("deleting a missing object should succeed: %v", err)
	}
	if _, err := cli.GetByGUID(ctx, resource.KindItem, alpha.GUID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetQueryValuesNeedingEscape(t *testing.T) {
	cli, _, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)
	names := []string{"build log", "R&D notes", "a+b", "50% done", "x=1#2", "plain"}
	for _, name := range names {
		if err := cli.Put(ctx, cli.NewItem(name)); err != nil {
			t.Fatalf("put %q: %v", name, err)
		}
	}
	for _, name := range names {
		found, err := cli.Get(ctx, resource.KindItem, resource.Query{}.And("i_name", "eq", name))
		if err != nil {
			t.Fatalf("get %q: %v", name, err)
		}
		if len(found) != 1 || found[0].(*resource.Item).Name() != name {
			t.Fatalf("expected exactly %q, got %d results", name, len(found))
		}
	}
}

func TestMagicTokenRoundTrip(t *testing.T) {
	cli, _, _ := newFakeClient(t, fakeserver.Options{Username: "admin", Password: "secret"})
	ctx := testContext(t)
	tok, err := cli.MagicToken(ctx, "viewer", time.Minute)
	if err != nil {
		t.Fatalf("magic token: %v", err)
	}
	if tok.Token == "" {
		t.Fatal("expected token")
	}
	res, err := cli.VerifyMagicToken(ctx, tok.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.Username != "viewer" {
		t.Fatalf("unexpected verify response %+v", res)
	}
	res, err = cli.VerifyMagicToken(ctx, "bogus")
	if err != nil {
		t.Fatalf("verify bogus: %v", err)
	}
	if res.Valid {
		t.Fatal("expected bogus token invalid")
	}
}

func TestItemCategoryCreateThenUpdate(t *testing.T) {
	cli, fake, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)
	cat := resource.NewItemCategory("results", "analysts")
	if err := cli.Put(ctx, cat); err != nil {
		t.Fatalf("put: %v", err)
	}
	cat.Grant("view", "everyone")
	if err := cli.Put(ctx, cat); err != nil {
		t.Fatalf("update: %v", err)
	}
	if n := countRequests(fake, http.MethodPost, "/item_category/api_list/"); n != 1 {
		t.Fatalf("expected one create, got %d", n)
	}
	if n := countRequests(fake, http.MethodPut, "/item_category/api_detail/"); n != 1 {
		t.Fatalf("expected one update, got %d", n)
	}
}

func TestAPIErrorInvalidPK(t *testing.T) {
	cases := []struct {
		err  *APIError
		want bool
	}{
		{&APIError{Status: 400, Body: []byte(`{"session":["Invalid pk \"x\" - object does not exist."]}`)}, true},
		{&APIError{Status: 400, Response: api.ErrorResponse{ErrorCode: "invalid_pk"}}, true},
		{&APIError{Status: 400, Body: []byte(`{"name":["too long"]}`)}, false},
		{&APIError{Status: 403, Body: []byte(`Invalid pk`)}, false},
	}
	for i, tc := range cases {
		if got := tc.err.InvalidPK(); got != tc.want {
			t.Fatalf("case %d: got %v want %v", i, got, tc.want)
		}
	}
}
