package session

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/go-drift/propbridge/pkg/errors"
	"github.com/go-drift/propbridge/pkg/mainloop"
	"github.com/go-drift/propbridge/pkg/memengine"
	"github.com/go-drift/propbridge/pkg/prop"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "propbridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "propbridge" || cfg.LogLevel != "info" || cfg.Codec != "json" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Metrics.Namespace != "propbridge" || cfg.Metrics.Enabled {
		t.Errorf("metrics defaults = %+v", cfg.Metrics)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
name: player
log_level: debug
strict_consistency: true
drain_budget: 4ms
codec: cbor
metrics:
  enabled: true
  namespace: player
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := Config{
		Name:              "player",
		LogLevel:          "debug",
		StrictConsistency: true,
		DrainBudget:       4 * time.Millisecond,
		Codec:             "cbor",
		Metrics:           MetricsConfig{Enabled: true, Namespace: "player"},
	}
	if cfg != want {
		t.Errorf("LoadConfig() = %+v, want %+v", cfg, want)
	}
	if cfg.Level() != zerolog.DebugLevel {
		t.Errorf("Level() = %s", cfg.Level())
	}
	if c, err := cfg.BridgeCodec(); err != nil || c.Name() != "cbor" {
		t.Errorf("BridgeCodec() = %v, %v", c, err)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"log level", "log_level: loud\n", "log_level"},
		{"codec", "codec: xml\n", "unknown codec"},
		{"budget", "drain_budget: -1s\n", "drain_budget"},
		{"syntax", "name: [\n", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadConfig() err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func newSession(t *testing.T, cfg Config, opts ...Option) (*memengine.Engine, *Session) {
	t.Helper()
	e := memengine.New()
	s, err := New(e, cfg, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, s
}

func TestItemsScenario(t *testing.T) {
	e, s := newSession(t, Config{StrictConsistency: true})
	defer s.Close()

	items := SubscribeNodes(s, nil, "items", func(h *prop.Handle) prop.ID { return h.ID() }, prop.NodeObserver[prop.ID]{})
	ids, err := e.Add("items", prop.End, 3)
	if err != nil {
		t.Fatal(err)
	}
	first, second, third := ids[0], ids[1], ids[2]
	if err := e.Move("items", first, third); err != nil {
		t.Fatal(err)
	}
	if err := e.Delete("items", second); err != nil {
		t.Fatal(err)
	}
	s.Drain(context.Background())

	if got := items.IDs(); !slices.Equal(got, []prop.ID{first, third}) {
		t.Errorf("mirror %v, want [%d %d]", got, first, third)
	}
	if got := e.Children("items"); !slices.Equal(got, items.IDs()) {
		t.Errorf("engine %v disagrees with mirror %v", got, items.IDs())
	}
	items.Stop()
}

func TestVolumeScenario(t *testing.T) {
	e, s := newSession(t, Config{})
	defer s.Close()

	var calls []string
	v := s.SubscribeValue(nil, "volume", prop.StringFunc(func(v string) { calls = append(calls, v) }))
	e.Set("volume", prop.StringValue("50"))
	e.Set("volume", prop.StringValue("75"))
	s.Drain(context.Background())

	if !slices.Equal(calls, []string{"50", "75"}) {
		t.Errorf("callback saw %q, want exactly [50 75]", calls)
	}
	v.Stop()
}

func TestStoppedSubscriptionGetsNothing(t *testing.T) {
	var reported int
	old := errors.DefaultHandler
	errors.SetHandler(countHandler{&reported})
	t.Cleanup(func() { errors.SetHandler(old) })

	e, s := newSession(t, Config{})
	defer s.Close()

	var calls int
	v := s.SubscribeValue(nil, "volume", func(prop.Value) { calls++ })
	e.Set("volume", prop.IntValue(1))
	// The record is buffered engine-side; stopping now must drop it.
	for range 3 {
		v.Stop()
	}
	s.Drain(context.Background())

	if calls != 0 {
		t.Errorf("stopped subscription delivered %d times", calls)
	}
	if reported != 0 {
		t.Errorf("stale record reported %d errors", reported)
	}
}

func TestCloseSweepsLeaks(t *testing.T) {
	var buf bytes.Buffer
	errors.SetHandler(&errors.LogHandler{Logger: ptr(zerolog.New(&buf))})
	t.Cleanup(func() { errors.SetHandler(nil) })

	e, s := newSession(t, Config{})
	stopped := s.SubscribeValue(nil, "a", func(prop.Value) {})
	leaked := SubscribeNodes(s, nil, "b", func(*prop.Handle) int { return 0 }, prop.NodeObserver[int]{})
	stopped.Stop()

	ids := s.Close()
	if !slices.Equal(ids, []prop.SubID{leaked.ID()}) {
		t.Errorf("Close() = %v, want [%d]", ids, leaked.ID())
	}
	if again := s.Close(); !slices.Equal(again, ids) {
		t.Errorf("second Close() = %v", again)
	}
	if st := e.Stats(); st.Subscriptions != 0 {
		t.Errorf("engine still has %d subscriptions", st.Subscriptions)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log output %q: %v", buf.String(), err)
	}
	if entry["level"] != "warn" || entry["kind"] != "leak" || entry["path"] != "b" {
		t.Errorf("leak log entry = %v", entry)
	}

	if late := s.SubscribeValue(nil, "c", func(prop.Value) {}); late.Active() {
		t.Error("Subscribe after Close should fail")
	}
}

func TestDrainBudget(t *testing.T) {
	e, s := newSession(t, Config{DrainBudget: time.Millisecond})
	defer s.Close()

	var calls int
	v := s.SubscribeValue(nil, "slow", func(prop.Value) {
		calls++
		time.Sleep(3 * time.Millisecond)
	})
	for i := range 5 {
		e.Set("slow", prop.IntValue(int64(i+1)))
	}
	if n := s.Drain(context.Background()); n >= 5 {
		t.Errorf("budgeted Drain processed %d records", n)
	}
	for s.Courier().Pending() {
		s.Drain(context.Background())
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	v.Stop()
}

func TestDrainBudgetOnMainLoop(t *testing.T) {
	loop := mainloop.New()
	e, s := newSession(t, Config{DrainBudget: time.Millisecond}, WithDispatch(loop.Dispatch))
	defer s.Close()

	var calls int
	v := s.SubscribeValue(nil, "slow", func(prop.Value) {
		calls++
		time.Sleep(3 * time.Millisecond)
	})
	for i := range 5 {
		e.Set("slow", prop.IntValue(int64(i+1)))
	}
	loop.Step()
	if calls == 0 || calls >= 5 {
		t.Errorf("first dispatched drain delivered %d records, want between 1 and 4", calls)
	}
	for loop.Step() > 0 {
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	v.Stop()
}

func TestRunDeliversUntilCancelled(t *testing.T) {
	e, s := newSession(t, Config{})
	defer s.Close()

	got := make(chan int64, 1)
	v := s.SubscribeValue(nil, "answer", prop.IntFunc(func(v int64) { got <- v }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	e.Set("answer", prop.IntValue(42))
	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not deliver")
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run() = %v", err)
	}
	v.Stop()
}

func TestWithDispatch(t *testing.T) {
	var queue []func()
	e, s := newSession(t, Config{}, WithDispatch(func(cb func()) { queue = append(queue, cb) }))
	defer s.Close()

	var got int64
	v := s.SubscribeValue(nil, "x", prop.IntFunc(func(v int64) { got = v }))
	e.Set("x", prop.IntValue(7))
	e.Set("x", prop.IntValue(8))
	if len(queue) != 1 {
		t.Fatalf("scheduled %d drains, want 1", len(queue))
	}
	queue[0]()
	if got != 8 {
		t.Errorf("got %d, want 8", got)
	}
	v.Stop()
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, s := newSession(t, Config{Metrics: MetricsConfig{Enabled: true, Namespace: "t"}}, WithRegisterer(reg))
	defer s.Close()

	v := s.SubscribeValue(nil, "x", func(prop.Value) {})
	e.Set("x", prop.IntValue(1))
	s.Drain(context.Background())
	v.Stop()

	families, err := s.Gatherer().Gather()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	if !slices.Contains(names, "t_courier_records_delivered_total") {
		t.Errorf("gathered %v", names)
	}

	if _, err := New(e, Config{Metrics: MetricsConfig{Enabled: true, Namespace: "t"}}, WithRegisterer(reg)); err == nil {
		t.Error("second session on the same registerer and namespace should fail")
	}
}

func TestSessionIdentity(t *testing.T) {
	_, a := newSession(t, Config{Name: "a"})
	_, b := newSession(t, Config{})
	defer a.Close()
	defer b.Close()

	if a.ID() == b.ID() {
		t.Error("sessions share an id")
	}
	if a.Config().Name != "a" || b.Config().Name != "propbridge" {
		t.Errorf("names %q, %q", a.Config().Name, b.Config().Name)
	}
	if a.Gatherer() != nil {
		t.Error("metrics disabled but a gatherer is set")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(memengine.New(), Config{LogLevel: "loud"}); err == nil {
		t.Error("New should validate the config")
	}
}

type countHandler struct{ n *int }

func (h countHandler) HandleError(*errors.BridgeError) { *h.n++ }
func (h countHandler) HandlePanic(*errors.PanicError)  { *h.n++ }

func ptr[T any](v T) *T { return &v }
