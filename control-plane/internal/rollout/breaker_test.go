package rollout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/fwrollout/control-plane/internal/testutil"
	"github.com/pilot-net/fwrollout/pkg/types"
)

func TestBreakerThreshold(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	device := testutil.FixtureDevice()
	deployment := testutil.FixtureDeployment(func(d *types.Deployment) {
		d.DeviceFailureThreshold = 3
		d.DeviceFailureRateAmount = 100
		d.DeviceFailureRateSeconds = 60
	})

	trail := newMockTrail(device)
	breaker := newTestBreaker(trail, now)

	trail.append(
		testutil.FixtureUpdateEvent(device, deployment, now.Add(-30*time.Minute)),
		testutil.FixtureUpdateEvent(device, deployment, now.Add(-20*time.Minute)),
	)

	got, err := breaker.Evaluate(ctx, device, deployment)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !got.Healthy {
		t.Fatal("expected device to stay healthy after 2 failures")
	}
	if n := trail.countAction(types.AuditActionMarkedUnhealthy); n != 0 {
		t.Fatalf("expected no trip event, got %d", n)
	}

	trail.append(testutil.FixtureUpdateEvent(device, deployment, now.Add(-10*time.Minute)))

	got, err = breaker.Evaluate(ctx, device, deployment)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got.Healthy {
		t.Fatal("expected device to be unhealthy after 3 failures")
	}
	if n := trail.countAction(types.AuditActionMarkedUnhealthy); n != 1 {
		t.Fatalf("expected 1 trip event, got %d", n)
	}
	event := trail.lastAction(types.AuditActionMarkedUnhealthy)
	if event.Params["reason"] != ReasonFailureThreshold {
		t.Errorf("expected reason %q, got %v", ReasonFailureThreshold, event.Params["reason"])
	}
	if event.ActorID != deployment.ID || event.ResourceID != device.ID {
		t.Errorf("unexpected actor/resource: %s/%s", event.ActorID, event.ResourceID)
	}

	// A fourth failure does not re-trip an unhealthy device.
	trail.append(testutil.FixtureUpdateEvent(device, deployment, now.Add(-5*time.Minute)))
	got, err = breaker.Evaluate(ctx, got, deployment)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got.Healthy {
		t.Error("expected device to remain unhealthy")
	}
	if n := trail.countAction(types.AuditActionMarkedUnhealthy); n != 1 {
		t.Errorf("expected still 1 trip event, got %d", n)
	}

	// A stale healthy copy is not flipped or audited again either.
	got, err = breaker.Evaluate(ctx, device, deployment)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got.Healthy {
		t.Error("expected stored unhealthy state to be returned")
	}
	if n := trail.countAction(types.AuditActionMarkedUnhealthy); n != 1 {
		t.Errorf("expected still 1 trip event, got %d", n)
	}
}

func TestBreakerRate(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		offsets  []time.Duration
		wantTrip bool
	}{
		{"two failures within window", []time.Duration{0, 50 * time.Second}, true},
		{"two failures outside window", []time.Duration{0, 120 * time.Second}, false},
		{"one failure", []time.Duration{0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			device := testutil.FixtureDevice()
			deployment := testutil.FixtureDeployment(func(d *types.Deployment) {
				d.DeviceFailureThreshold = 100
				d.DeviceFailureRateAmount = 2
				d.DeviceFailureRateSeconds = 60
			})

			trail := newMockTrail(device)
			var last time.Time
			for _, off := range tt.offsets {
				last = base.Add(off)
				trail.append(testutil.FixtureUpdateEvent(device, deployment, last))
			}

			got, err := newTestBreaker(trail, last).Evaluate(ctx, device, deployment)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if got.Healthy == tt.wantTrip {
				t.Fatalf("expected tripped=%v, got healthy=%v", tt.wantTrip, got.Healthy)
			}
			if tt.wantTrip {
				event := trail.lastAction(types.AuditActionMarkedUnhealthy)
				if event == nil || event.Params["reason"] != ReasonFailureRate {
					t.Errorf("expected rate trip event, got %+v", event)
				}
			}
		})
	}
}

func TestBreakerRateCheckedFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	device := testutil.FixtureDevice()
	deployment := testutil.FixtureDeployment(func(d *types.Deployment) {
		d.DeviceFailureThreshold = 1
		d.DeviceFailureRateAmount = 1
		d.DeviceFailureRateSeconds = 60
	})

	trail := newMockTrail(device)
	trail.append(testutil.FixtureUpdateEvent(device, deployment, now))

	if _, err := newTestBreaker(trail, now).Evaluate(ctx, device, deployment); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	event := trail.lastAction(types.AuditActionMarkedUnhealthy)
	if event == nil || event.Params["reason"] != ReasonFailureRate {
		t.Errorf("expected rate reason when both budgets are exhausted, got %+v", event)
	}
}

func TestBreakerUnhealthyShortCircuits(t *testing.T) {
	device := testutil.FixtureDeviceUnhealthy()
	trail := newMockTrail(device)
	trail.err = errBoom // any query would fail

	got, err := newTestBreaker(trail, time.Now()).Evaluate(context.Background(), device, testutil.FixtureDeployment())
	if err != nil {
		t.Fatalf("expected no queries for unhealthy device, got %v", err)
	}
	if got != device {
		t.Error("expected the same device to be returned")
	}
}

func TestBreakerTrailError(t *testing.T) {
	device := testutil.FixtureDevice()
	trail := newMockTrail(device)
	trail.err = errBoom

	if _, err := newTestBreaker(trail, time.Now()).Evaluate(context.Background(), device, testutil.FixtureDeployment()); err == nil {
		t.Error("expected error from failing trail")
	}
}

func TestBreakerConcurrentEvaluations(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	device := testutil.FixtureDevice()
	deployment := testutil.FixtureDeployment(func(d *types.Deployment) {
		d.DeviceFailureThreshold = 2
	})

	trail := newMockTrail(device)
	trail.append(
		testutil.FixtureUpdateEvent(device, deployment, now.Add(-time.Hour)),
		testutil.FixtureUpdateEvent(device, deployment, now.Add(-2*time.Hour)),
	)
	breaker := newTestBreaker(trail, now)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := breaker.Evaluate(ctx, device.Clone(), deployment)
			if err != nil {
				t.Errorf("Evaluate failed: %v", err)
				return
			}
			if got.Healthy {
				t.Error("expected unhealthy result")
			}
		}()
	}
	wg.Wait()

	if n := trail.countAction(types.AuditActionMarkedUnhealthy); n != 1 {
		t.Errorf("expected exactly 1 trip event, got %d", n)
	}
	if len(breaker.locks.locks) != 0 {
		t.Errorf("expected device locks to be released, %d remain", len(breaker.locks.locks))
	}
}
