package task

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"maintenance-worker/internal/collection"
)

type noopTask struct{}

func (noopTask) Collection(ctx context.Context) (collection.Collection, error) {
	return collection.Slice([]int{}), nil
}

func (noopTask) Process(ctx context.Context, item any) error { return nil }

func TestRegistryNamed(t *testing.T) {
	r := NewRegistry("")
	r.MustRegister("maintenance.Noop", func() Task { return noopTask{} })

	if _, err := r.Named("maintenance.Noop"); err != nil {
		t.Fatalf("expected task, got %v", err)
	}

	for _, name := range []string{"maintenance.Missing", "Noop", "other.Noop", "maintenance."} {
		_, err := r.Named(name)
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("%q: expected NotFoundError, got %v", name, err)
		}
		if notFound.Name != name {
			t.Fatalf("expected name %q on error, got %q", name, notFound.Name)
		}
	}
}

func TestRegistryRegisterRejects(t *testing.T) {
	r := NewRegistry("ops")
	factory := func() Task { return noopTask{} }

	if err := r.Register("maintenance.Noop", factory); err == nil {
		t.Fatal("expected error outside namespace")
	}
	if err := r.Register("ops.Noop", nil); err == nil {
		t.Fatal("expected error for nil factory")
	}
	if err := r.Register("ops.Noop", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("ops.Noop", factory); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRegistryAvailableAndQualify(t *testing.T) {
	r := NewRegistry("maintenance")
	for _, name := range []string{"maintenance.Zeta", "maintenance.Alpha", "maintenance.Mid"} {
		r.MustRegister(name, func() Task { return noopTask{} })
	}
	want := []string{"maintenance.Alpha", "maintenance.Mid", "maintenance.Zeta"}
	if got := r.Available(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if got := r.Qualify("Alpha"); got != "maintenance.Alpha" {
		t.Fatalf("unexpected qualified name %q", got)
	}
	if got := r.Qualify("maintenance.Alpha"); got != "maintenance.Alpha" {
		t.Fatalf("expected qualified name to be kept, got %q", got)
	}
}

func TestResolveBackoff(t *testing.T) {
	tests := []struct {
		name     string
		backoff  time.Duration
		fallback time.Duration
		want     time.Duration
		wantErr  bool
	}{
		{name: "default", want: DefaultThrottleBackoff},
		{name: "configured fallback", fallback: time.Minute, want: time.Minute},
		{name: "task backoff", backoff: 5 * time.Second, fallback: time.Minute, want: 5 * time.Second},
		{name: "negative", backoff: -time.Second, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveBackoff(Throttle{Backoff: tt.backoff}, tt.fallback)
			if tt.wantErr {
				if !errors.Is(err, ErrThrottleConfig) {
					t.Fatalf("expected ErrThrottleConfig, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("expected %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestRateThrottle(t *testing.T) {
	th := RateThrottle(rate.NewLimiter(rate.Every(time.Hour), 2), 0)
	ctx := context.Background()
	if th.ThrottleCondition(ctx) || th.ThrottleCondition(ctx) {
		t.Fatal("expected burst tokens to allow two checks")
	}
	if !th.ThrottleCondition(ctx) {
		t.Fatal("expected throttle once the bucket is empty")
	}
	if (Throttle{}).ThrottleCondition(ctx) {
		t.Fatal("expected zero Throttle never to throttle")
	}
}

func TestCSVInput(t *testing.T) {
	in := &CSVInput{}
	if _, err := in.Collection(context.Background()); err == nil {
		t.Fatal("expected error without content")
	}
	in.SetInput([]byte("id\n1\n2\n3\n"))
	n, ok, err := in.Count(context.Background())
	if err != nil || !ok || n != 3 {
		t.Fatalf("expected 3 rows, got %d %v %v", n, ok, err)
	}
	c, err := in.Collection(context.Background())
	if err != nil || c.Kind() != collection.KindCSV {
		t.Fatalf("expected csv collection, got %v %v", c.Kind(), err)
	}
}
