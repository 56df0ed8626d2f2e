package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/fwrollout/control-plane/internal/metrics"
	"github.com/pilot-net/fwrollout/control-plane/internal/notify"
	"github.com/pilot-net/fwrollout/control-plane/internal/testutil"
	"github.com/pilot-net/fwrollout/pkg/types"
)

type mockResolver struct {
	mu      sync.Mutex
	payload types.UpdatePayload
	calls   int
	started chan struct{} // signalled when a resolution begins, if set
	release chan struct{} // resolutions block until closed, if set
}

func (m *mockResolver) ResolveForDevice(ctx context.Context, device *types.Device) types.UpdatePayload {
	m.mu.Lock()
	m.calls++
	started, release := m.started, m.release
	m.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return m.payload
}

type published struct {
	topic   string
	event   string
	payload any
}

type mockPublisher struct {
	mu       sync.Mutex
	messages []published
	err      error
}

func (m *mockPublisher) Publish(ctx context.Context, topic, event string, payload any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.messages = append(m.messages, published{topic: topic, event: event, payload: payload})
	return 1, nil
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

type mockAudit struct {
	mu     sync.Mutex
	events []*types.AuditEvent
	err    error
}

func (m *mockAudit) AppendAudit(ctx context.Context, event *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func updatePayload() types.UpdatePayload {
	deployment := testutil.FixtureDeployment()
	return types.UpdatePayload{
		UpdateAvailable: true,
		FirmwareURL:     "https://fw.test/firmware.fw",
		FirmwareMeta:    deployment.Firmware.Metadata(),
		Deployment:      deployment,
		DeploymentID:    deployment.ID,
	}
}

func newTestDispatcher(t *testing.T, resolver *mockResolver, pub *mockPublisher, audit *mockAudit, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	d := NewDispatcher(resolver, pub, audit, cfg, testutil.NewTestLogger())
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func TestDispatchPublishesUpdate(t *testing.T) {
	payload := updatePayload()
	resolver := &mockResolver{payload: payload}
	pub := &mockPublisher{}
	audit := &mockAudit{}
	d := newTestDispatcher(t, resolver, pub, audit, DispatcherConfig{Workers: 2, QueueSize: 4, Timeout: time.Second})

	device := testutil.FixtureDevice()
	if outcome := d.Dispatch(context.Background(), device); outcome != metrics.DispatchPublished {
		t.Fatalf("expected %q, got %q", metrics.DispatchPublished, outcome)
	}

	if len(pub.messages) != 1 {
		t.Fatalf("expected exactly 1 publish, got %d", len(pub.messages))
	}
	msg := pub.messages[0]
	if msg.topic != notify.DeviceTopic(device.ID) || msg.event != notify.EventUpdate {
		t.Errorf("unexpected publish %s/%s", msg.topic, msg.event)
	}
	if got, ok := msg.payload.(types.UpdatePayload); !ok || got.FirmwareURL != payload.FirmwareURL {
		t.Errorf("unexpected payload %#v", msg.payload)
	}

	if len(audit.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(audit.events))
	}
	event := audit.events[0]
	if event.Action != types.AuditActionUpdate || event.ActorID != payload.DeploymentID || event.ResourceID != device.ID {
		t.Errorf("unexpected audit event %+v", event)
	}
	if event.Params["firmware_uuid"] != payload.Deployment.Firmware.UUID || event.Params["send_update_message"] != true {
		t.Errorf("unexpected audit params %v", event.Params)
	}
}

func TestDispatchNoUpdate(t *testing.T) {
	resolver := &mockResolver{payload: types.NoUpdate()}
	pub := &mockPublisher{}
	audit := &mockAudit{}
	d := newTestDispatcher(t, resolver, pub, audit, DispatcherConfig{Workers: 1, QueueSize: 1, Timeout: time.Second})

	if outcome := d.Dispatch(context.Background(), testutil.FixtureDevice()); outcome != metrics.DispatchNoUpdate {
		t.Errorf("expected %q, got %q", metrics.DispatchNoUpdate, outcome)
	}
	if pub.count() != 0 || len(audit.events) != 0 {
		t.Errorf("expected no publish or audit, got %d publishes and %d events", pub.count(), len(audit.events))
	}
}

func TestDispatchPublishFailure(t *testing.T) {
	resolver := &mockResolver{payload: updatePayload()}
	pub := &mockPublisher{err: errors.New("redis down")}
	audit := &mockAudit{}
	d := newTestDispatcher(t, resolver, pub, audit, DispatcherConfig{Workers: 1, QueueSize: 1, Timeout: time.Second})

	if outcome := d.Dispatch(context.Background(), testutil.FixtureDevice()); outcome != metrics.DispatchFailed {
		t.Errorf("expected %q, got %q", metrics.DispatchFailed, outcome)
	}
	if len(audit.events) != 0 {
		t.Error("expected no audit event for an unsent update")
	}
}

func TestDispatchAuditFailureStillPublished(t *testing.T) {
	resolver := &mockResolver{payload: updatePayload()}
	pub := &mockPublisher{}
	audit := &mockAudit{err: errors.New("insert failed")}
	d := newTestDispatcher(t, resolver, pub, audit, DispatcherConfig{Workers: 1, QueueSize: 1, Timeout: time.Second})

	if outcome := d.Dispatch(context.Background(), testutil.FixtureDevice()); outcome != metrics.DispatchPublished {
		t.Errorf("expected %q, got %q", metrics.DispatchPublished, outcome)
	}
}

func TestDispatchTimeoutDetaches(t *testing.T) {
	release := make(chan struct{})
	resolver := &mockResolver{payload: updatePayload(), release: release}
	pub := &mockPublisher{}
	audit := &mockAudit{}
	d := newTestDispatcher(t, resolver, pub, audit, DispatcherConfig{Workers: 1, QueueSize: 1, Timeout: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	outcome := d.Dispatch(ctx, testutil.FixtureDevice())
	if outcome != metrics.DispatchTimedOut {
		t.Fatalf("expected %q, got %q", metrics.DispatchTimedOut, outcome)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Dispatch blocked for %v", elapsed)
	}

	// Cancelling the caller must not cancel the detached task.
	cancel()
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pub.count() != 1 {
		t.Errorf("expected the detached task to publish once, got %d", pub.count())
	}
}

func TestDispatchQueueFull(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	resolver := &mockResolver{payload: types.NoUpdate(), started: started, release: release}
	d := newTestDispatcher(t, resolver, &mockPublisher{}, &mockAudit{}, DispatcherConfig{Workers: 1, QueueSize: 1, Timeout: 10 * time.Millisecond})
	defer close(release)

	// First task occupies the only worker.
	if outcome := d.Dispatch(context.Background(), testutil.FixtureDevice()); outcome != metrics.DispatchTimedOut {
		t.Fatalf("expected first dispatch to time out, got %q", outcome)
	}
	<-started

	// Second task waits in the queue.
	if outcome := d.Dispatch(context.Background(), testutil.FixtureDevice()); outcome != metrics.DispatchTimedOut {
		t.Fatalf("expected second dispatch to time out, got %q", outcome)
	}

	if outcome := d.Dispatch(context.Background(), testutil.FixtureDevice()); outcome != metrics.DispatchRejected {
		t.Errorf("expected %q, got %q", metrics.DispatchRejected, outcome)
	}
}

func TestDispatchNotRunning(t *testing.T) {
	d := NewDispatcher(&mockResolver{}, &mockPublisher{}, &mockAudit{}, DispatcherConfig{}, testutil.NewTestLogger())

	if outcome := d.Dispatch(context.Background(), testutil.FixtureDevice()); outcome != metrics.DispatchRejected {
		t.Errorf("expected %q before Start, got %q", metrics.DispatchRejected, outcome)
	}

	d.Start()
	d.Stop()
	d.Stop()

	if outcome := d.Dispatch(context.Background(), testutil.FixtureDevice()); outcome != metrics.DispatchRejected {
		t.Errorf("expected %q after Stop, got %q", metrics.DispatchRejected, outcome)
	}
}

func TestDispatchConcurrentDevices(t *testing.T) {
	pub := &mockPublisher{}
	d := newTestDispatcher(t, &mockResolver{payload: updatePayload()}, pub, &mockAudit{}, DispatcherConfig{Workers: 4, QueueSize: 32, Timeout: 2 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), testutil.FixtureDevice())
		}()
	}
	wg.Wait()

	if pub.count() != 16 {
		t.Errorf("expected 16 publishes, got %d", pub.count())
	}
}
