package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/blackwell-systems/extmon/internal/extension"
	"github.com/blackwell-systems/extmon/internal/host"
	"github.com/blackwell-systems/extmon/internal/logging"
	"github.com/blackwell-systems/extmon/internal/metrics"
	"github.com/blackwell-systems/extmon/internal/registry"
	"github.com/blackwell-systems/extmon/internal/serial"
	"github.com/blackwell-systems/extmon/internal/store"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ing     *Ingestor
	reg     *registry.Registry
	host    *host.Static
	store   store.Adapter
	clock   *quartz.Mock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, st store.Adapter, ids ...string) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(testStart)
	if st == nil {
		st = store.NewMemory(clock)
	}

	var exts []host.ExtensionInfo
	for _, id := range ids {
		exts = append(exts, host.ExtensionInfo{ID: id, Name: "Ext " + id, Enabled: true})
	}
	h := host.NewStatic("monitor", exts...)

	q := serial.New()
	t.Cleanup(q.Close)
	m := metrics.NewUnregistered()

	reg, err := registry.New(registry.Options{
		Host: h, Store: st, Queue: q, Clock: clock, Metrics: m, Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	ing, err := New(Options{
		Registry: reg, Store: st, Queue: q, Clock: clock, Metrics: m, Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ing.OnLifecycleEvent(context.Background())
	return &fixture{ing: ing, reg: reg, host: h, store: st, clock: clock, metrics: m}
}

func (f *fixture) stats(t *testing.T, id string) extension.CombinedStats {
	t.Helper()
	cs, found, err := f.store.ExtensionStats(context.Background(), id)
	if err != nil {
		t.Fatalf("ExtensionStats(%s) error = %v", id, err)
	}
	if !found {
		t.Fatalf("ExtensionStats(%s) not found", id)
	}
	return cs
}

// testBackends returns a constructor for every store backend, so the
// end-to-end tests run against each of them.
func testBackends() map[string]func(t *testing.T) store.Adapter {
	open := func(t *testing.T, st store.Adapter) store.Adapter {
		t.Helper()
		if err := st.Init(context.Background()); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		t.Cleanup(func() { st.Close() })
		return st
	}
	return map[string]func(t *testing.T) store.Adapter{
		"memory": func(t *testing.T) store.Adapter {
			return open(t, store.NewMemory(quartz.NewReal()))
		},
		"sqlite": func(t *testing.T) store.Adapter {
			return open(t, store.NewSQLite(filepath.Join(t.TempDir(), "extmon.db"), quartz.NewReal()))
		},
		"encrypted": func(t *testing.T) store.Adapter {
			return open(t, store.NewEncrypted(filepath.Join(t.TempDir(), "store"), []byte("test-passphrase"), quartz.NewReal()))
		},
	}
}

func request(id, url string, typ extension.ResourceType) NetworkRequest {
	return NetworkRequest{Initiator: "chrome-extension://" + id, URL: url, Type: typ}
}

// flakyStore fails the first n updates with ErrStorageIO.
type flakyStore struct {
	*store.Memory
	failures atomic.Int32
	attempts atomic.Int32
}

func (f *flakyStore) UpdateExtensionStats(ctx context.Context, id string, cs extension.CombinedStats) error {
	f.attempts.Add(1)
	if f.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: disk hiccup", store.ErrStorageIO)
	}
	return f.Memory.UpdateExtensionStats(ctx, id, cs)
}

func TestParseInitiator(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"chrome-extension://abcdef", "abcdef", false},
		{"chrome-extension://abcdef/background.js", "abcdef", false},
		{"moz-extension://1234-5678", "1234-5678", false},
		{"", "", true},
		{"https://example.com", "", true},
		{"chrome-extension://", "", true},
		{"chrome-extension:///x", "", true},
	}
	for _, tt := range tests {
		got, err := ParseInitiator(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseInitiator(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("ParseInitiator(%q) error = %v, want ErrMalformedEvent", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseInitiator(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDomainOf(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://Example.COM/path?q=1", "example.com", false},
		{"http://api.example.com:8080/", "api.example.com", false},
		{"wss://[::1]:443/socket", "::1", false},
		{"not a url", "", true},
		{"", "", true},
		{"http://%zz", "", true},
		{"data:text/plain,hi", "", true},
	}
	for _, tt := range tests {
		got, err := DomainOf(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("DomainOf(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("DomainOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScenario_TwoExtensions(t *testing.T) {
	for name, open := range testBackends() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t), "A", "B")
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				if err := f.ing.HandleNetworkRequest(ctx, request("A", "https://d1/x", extension.ResourceScript)); err != nil {
					t.Fatalf("HandleNetworkRequest() error = %v", err)
				}
			}
			for i := 0; i < 2; i++ {
				if err := f.ing.HandleNetworkRequest(ctx, request("A", "https://d2/img.png", extension.ResourceImage)); err != nil {
					t.Fatalf("HandleNetworkRequest() error = %v", err)
				}
			}

			a := f.stats(t, "A")
			if a.Network.TotalRequests != 5 {
				t.Errorf("A.TotalRequests = %d, want 5", a.Network.TotalRequests)
			}
			if a.Network.RequestsByDomain["d1"] != 3 || a.Network.RequestsByDomain["d2"] != 2 || len(a.Network.RequestsByDomain) != 2 {
				t.Errorf("A.RequestsByDomain = %v, want {d1:3 d2:2}", a.Network.RequestsByDomain)
			}
			if a.Network.RequestsByType[extension.ResourceScript] != 3 || a.Network.RequestsByType[extension.ResourceImage] != 2 {
				t.Errorf("A.RequestsByType = %v, want {script:3 image:2}", a.Network.RequestsByType)
			}

			if b := f.stats(t, "B"); b.Network.TotalRequests != 0 {
				t.Errorf("B.TotalRequests = %d, want 0", b.Network.TotalRequests)
			}
			if got := testutil.ToFloat64(f.metrics.EventsProcessed); got != 5 {
				t.Errorf("events_processed_total = %v, want 5", got)
			}
		})
	}
}

func TestOnNetworkRequestCompleted_ConcurrentEventsNotLost(t *testing.T) {
	for name, open := range testBackends() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t), "X", "Y")
			ctx := context.Background()

			const n = 200
			domains := []string{"a.example", "b.example", "c.example"}
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					f.ing.OnNetworkRequestCompleted(ctx, request("X", "https://"+domains[i%len(domains)]+"/", extension.ResourceXMLHTTPRequest))
					f.ing.OnNetworkRequestCompleted(ctx, request("Y", "https://y.example/", extension.ResourceImage))
				}(i)
			}
			wg.Wait()
			f.ing.Wait()

			for _, id := range []string{"X", "Y"} {
				ns := f.stats(t, id).Network
				if ns.TotalRequests != n {
					t.Errorf("%s.TotalRequests = %d, want %d", id, ns.TotalRequests, n)
				}

				var sum uint64
				for _, c := range ns.RequestsByDomain {
					sum += c
				}
				if sum != ns.TotalRequests {
					t.Errorf("%s: sum(RequestsByDomain) = %d, TotalRequests = %d", id, sum, ns.TotalRequests)
				}
			}
		})
	}
}

func TestHandleNetworkRequest_Drops(t *testing.T) {
	f := newFixture(t, nil, "known")
	ctx := context.Background()

	tests := []struct {
		name   string
		ev     NetworkRequest
		want   error
		reason string
	}{
		{"page initiator", NetworkRequest{Initiator: "https://site.example", URL: "https://x.example/"}, ErrMalformedEvent, metrics.ReasonMalformed},
		{"no initiator", NetworkRequest{URL: "https://x.example/"}, ErrMalformedEvent, metrics.ReasonMalformed},
		{"no host", request("known", "about:blank", extension.ResourceOther), ErrMalformedEvent, metrics.ReasonMalformed},
		{"unknown id", request("stranger", "https://x.example/", extension.ResourceScript), ErrUnknownExtension, metrics.ReasonUnknownExtension},
		{"self", request("monitor", "https://x.example/", extension.ResourceScript), ErrUnknownExtension, metrics.ReasonUnknownExtension},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(f.metrics.EventsDropped.WithLabelValues(tt.reason))
			err := f.ing.HandleNetworkRequest(ctx, tt.ev)
			if !errors.Is(err, tt.want) {
				t.Errorf("HandleNetworkRequest() error = %v, want %v", err, tt.want)
			}
			after := testutil.ToFloat64(f.metrics.EventsDropped.WithLabelValues(tt.reason))
			if after != before+1 {
				t.Errorf("events_dropped_total{reason=%s} went %v -> %v, want +1", tt.reason, before, after)
			}
		})
	}

	if cs := f.stats(t, "known"); cs.Network.TotalRequests != 0 {
		t.Errorf("dropped events were counted: TotalRequests = %d", cs.Network.TotalRequests)
	}
	if _, found, _ := f.store.ExtensionStats(ctx, "stranger"); found {
		t.Error("unknown extension got a record")
	}
}

func TestHandleNetworkRequest_RetriesIOErrorOnce(t *testing.T) {
	clock := quartz.NewMock(t)
	flaky := &flakyStore{Memory: store.NewMemory(clock)}
	f := newFixture(t, flaky, "A")
	ctx := context.Background()

	flaky.attempts.Store(0)
	flaky.failures.Store(1)
	if err := f.ing.HandleNetworkRequest(ctx, request("A", "https://d/", extension.ResourceScript)); err != nil {
		t.Fatalf("HandleNetworkRequest() error = %v, want success after one retry", err)
	}
	if got := flaky.attempts.Load(); got != 2 {
		t.Errorf("update attempts = %d, want 2", got)
	}
	if got := f.stats(t, "A").Network.TotalRequests; got != 1 {
		t.Errorf("TotalRequests = %d, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.StorageRetries); got != 1 {
		t.Errorf("storage_retries_total = %v, want 1", got)
	}

	flaky.attempts.Store(0)
	flaky.failures.Store(2)
	err := f.ing.HandleNetworkRequest(ctx, request("A", "https://d/", extension.ResourceScript))
	if !errors.Is(err, store.ErrStorageIO) {
		t.Fatalf("HandleNetworkRequest() error = %v, want ErrStorageIO", err)
	}
	if got := flaky.attempts.Load(); got != 2 {
		t.Errorf("update attempts = %d, want exactly one retry", got)
	}
	if got := testutil.ToFloat64(f.metrics.EventsDropped.WithLabelValues(metrics.ReasonStorage)); got != 1 {
		t.Errorf("events_dropped_total{reason=storage} = %v, want 1", got)
	}
	if got := f.stats(t, "A").Network.TotalRequests; got != 1 {
		t.Errorf("TotalRequests = %d, want unchanged 1", got)
	}
}

func TestHandleNetworkRequest_UnavailableIsNotRetried(t *testing.T) {
	clock := quartz.NewMock(t)
	mem := store.NewMemory(clock)
	f := newFixture(t, mem, "A")
	mem.Close()

	err := f.ing.HandleNetworkRequest(context.Background(), request("A", "https://d/", extension.ResourceScript))
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Errorf("HandleNetworkRequest() error = %v, want ErrStorageUnavailable", err)
	}
	if got := testutil.ToFloat64(f.metrics.StorageRetries); got != 0 {
		t.Errorf("storage_retries_total = %v, want 0", got)
	}
}

func TestHandleNetworkRequest_Timestamps(t *testing.T) {
	f := newFixture(t, nil, "A")
	ctx := context.Background()

	f.clock.Advance(time.Minute)
	if err := f.ing.HandleNetworkRequest(ctx, request("A", "https://d/", extension.ResourceScript)); err != nil {
		t.Fatal(err)
	}
	if got := f.stats(t, "A").Network.LastRequest; !got.Equal(testStart.Add(time.Minute)) {
		t.Errorf("LastRequest = %v, want clock now", got)
	}

	ev := request("A", "https://d/", extension.ResourceScript)
	ev.Timestamp = testStart.Add(time.Hour)
	if err := f.ing.HandleNetworkRequest(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if got := f.stats(t, "A").Network.LastRequest; !got.Equal(ev.Timestamp) {
		t.Errorf("LastRequest = %v, want event timestamp %v", got, ev.Timestamp)
	}

	// Older than the record's creation: FirstTracked <= LastRequest holds.
	old := request("A", "https://d/", extension.ResourceScript)
	old.Timestamp = testStart.Add(-time.Hour)
	if err := f.ing.HandleNetworkRequest(ctx, old); err != nil {
		t.Fatal(err)
	}
	ns := f.stats(t, "A").Network
	if ns.LastRequest.Before(ns.FirstTracked) {
		t.Errorf("FirstTracked %v after LastRequest %v", ns.FirstTracked, ns.LastRequest)
	}
}

func TestHandleNetworkRequest_NormalizesType(t *testing.T) {
	f := newFixture(t, nil, "A")
	ctx := context.Background()

	f.ing.HandleNetworkRequest(ctx, request("A", "https://d/", "XMLHttpRequest")) //nolint:errcheck
	f.ing.HandleNetworkRequest(ctx, request("A", "https://d/", ""))               //nolint:errcheck

	byType := f.stats(t, "A").Network.RequestsByType
	if byType[extension.ResourceXMLHTTPRequest] != 1 || byType[extension.ResourceOther] != 1 {
		t.Errorf("RequestsByType = %v, want xmlhttprequest:1 other:1", byType)
	}
}

func TestHandleNetworkRequest_ClosedQueue(t *testing.T) {
	clock := quartz.NewMock(t)
	clock.Set(testStart)
	st := store.NewMemory(clock)
	h := host.NewStatic("", host.ExtensionInfo{ID: "A"})
	q := serial.New()
	m := metrics.NewUnregistered()

	reg, _ := registry.New(registry.Options{Host: h, Store: st, Queue: q, Clock: clock, Metrics: m, Logger: logging.Discard()})
	ing, _ := New(Options{Registry: reg, Store: st, Queue: q, Clock: clock, Metrics: m, Logger: logging.Discard()})
	if err := reg.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	q.Close()

	err := ing.HandleNetworkRequest(context.Background(), request("A", "https://d/", extension.ResourceScript))
	if !errors.Is(err, serial.ErrClosed) {
		t.Errorf("HandleNetworkRequest() error = %v, want serial.ErrClosed", err)
	}
	if got := testutil.ToFloat64(m.EventsDropped.WithLabelValues(metrics.ReasonClosed)); got != 1 {
		t.Errorf("events_dropped_total{reason=closed} = %v, want 1", got)
	}
}

func TestOnLifecycleEvent_PicksUpInstall(t *testing.T) {
	f := newFixture(t, nil, "A")
	ctx := context.Background()

	if err := f.ing.HandleNetworkRequest(ctx, request("B", "https://d/", extension.ResourceScript)); !errors.Is(err, ErrUnknownExtension) {
		t.Fatalf("event before install: error = %v, want ErrUnknownExtension", err)
	}

	f.host.Set(host.ExtensionInfo{ID: "A"}, host.ExtensionInfo{ID: "B"})
	f.ing.OnLifecycleEvent(ctx)

	if err := f.ing.HandleNetworkRequest(ctx, request("B", "https://d/", extension.ResourceScript)); err != nil {
		t.Errorf("event after install: error = %v", err)
	}
}

func TestOnLifecycleEvent_ConcurrentCallsCollapse(t *testing.T) {
	f := newFixture(t, nil, "A")
	ctx := context.Background()
	before := f.host.Calls()

	const callers = 20
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.ing.OnLifecycleEvent(ctx)
		}()
	}
	wg.Wait()

	got := f.host.Calls() - before
	if got < 1 || got > callers {
		t.Errorf("resyncs run = %d, want between 1 and %d", got, callers)
	}
	if f.reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.reg.Len())
	}
}

// orderedRegistry stamps each resync with a position in a sequence shared
// with the callers.
type orderedRegistry struct {
	seq        *atomic.Int64
	lastResync atomic.Int64
}

func (r *orderedRegistry) Resync(ctx context.Context) error {
	r.lastResync.Store(r.seq.Add(1))
	time.Sleep(time.Millisecond)
	return nil
}

func (r *orderedRegistry) Get(id string) (extension.TrackedExtension, bool) {
	return extension.TrackedExtension{}, false
}

func TestOnLifecycleEvent_LastCallerGetsAResync(t *testing.T) {
	var seq atomic.Int64
	reg := &orderedRegistry{seq: &seq}
	q := serial.New()
	t.Cleanup(q.Close)
	ing, err := New(Options{Registry: reg, Store: store.NewMemory(quartz.NewReal()), Queue: q, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}

	for round := 0; round < 20; round++ {
		const callers = 10
		var wg sync.WaitGroup
		var latestCall atomic.Int64
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				called := seq.Add(1)
				for {
					prev := latestCall.Load()
					if called <= prev || latestCall.CompareAndSwap(prev, called) {
						break
					}
				}
				ing.OnLifecycleEvent(context.Background())
			}()
		}
		wg.Wait()

		if last, call := reg.lastResync.Load(), latestCall.Load(); last < call {
			t.Fatalf("round %d: last resync at %d started before the last call at %d", round, last, call)
		}
	}
}

func TestOnLifecycleEvent_FailureIsSwallowed(t *testing.T) {
	f := newFixture(t, nil, "A")
	f.host.FailWith(errors.New("host down"))

	f.ing.OnLifecycleEvent(context.Background())

	if got := testutil.ToFloat64(f.metrics.Resyncs.WithLabelValues("error")); got != 1 {
		t.Errorf("resyncs_total{result=error} = %v, want 1", got)
	}
	if !f.reg.Has("A") {
		t.Error("failed resync dropped a known extension")
	}
}
