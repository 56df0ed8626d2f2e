package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pilot-net/fwrollout/control-plane/internal/testutil"
	"github.com/pilot-net/fwrollout/pkg/types"
)

// mockTrail is an in-memory audit log implementing AuditTrail and HealthStore.
type mockTrail struct {
	mu      sync.Mutex
	events  []*types.AuditEvent
	devices map[string]*types.Device
	err     error
}

func newMockTrail(devices ...*types.Device) *mockTrail {
	m := &mockTrail{devices: make(map[string]*types.Device)}
	for _, d := range devices {
		m.devices[d.ID] = d.Clone()
	}
	return m
}

func (m *mockTrail) append(events ...*types.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

func (m *mockTrail) DistinctTimestamps(ctx context.Context, filter types.AuditFilter, since *time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	seen := make(map[int64]bool)
	var result []time.Time
	for _, e := range m.events {
		if !matchesFilter(e, filter) {
			continue
		}
		if since != nil && e.Timestamp.Before(*since) {
			continue
		}
		key := e.Timestamp.UnixNano()
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, e.Timestamp)
	}
	return result, nil
}

func (m *mockTrail) MarkDeviceUnhealthy(ctx context.Context, deviceID string, event *types.AuditEvent) (*types.Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}

	d, ok := m.devices[deviceID]
	if !ok {
		return nil, false, nil
	}
	if !d.Healthy {
		return d.Clone(), false, nil
	}
	d.Healthy = false
	d.LockVersion++
	m.events = append(m.events, event)
	return d.Clone(), true, nil
}

func (m *mockTrail) countAction(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

func (m *mockTrail) lastAction(action string) *types.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Action == action {
			return m.events[i]
		}
	}
	return nil
}

func matchesFilter(e *types.AuditEvent, f types.AuditFilter) bool {
	if f.ActorType != "" && e.ActorType != f.ActorType {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	for k, v := range f.Params {
		if e.Params[k] != v {
			return false
		}
	}
	return true
}

// mockCatalog implements FirmwareCatalog over a fixed set of firmware.
type mockCatalog struct {
	mu        sync.Mutex
	firmwares map[string]*types.Firmware // keyed by product/uuid
	lookupErr error
	urlErr    error
	metaErr   error
	urlCalls  int
}

func newMockCatalog(firmwares ...*types.Firmware) *mockCatalog {
	m := &mockCatalog{firmwares: make(map[string]*types.Firmware)}
	for _, fw := range firmwares {
		m.firmwares[fw.ProductID+"/"+fw.UUID] = fw
	}
	return m
}

func (m *mockCatalog) LookupByProductAndUUID(ctx context.Context, productID, uuid string) (*types.Firmware, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	return m.firmwares[productID+"/"+uuid], nil
}

func (m *mockCatalog) DeliveryURL(ctx context.Context, source, target *types.Firmware, toolVersion, productID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urlCalls++
	if m.urlErr != nil {
		return "", m.urlErr
	}
	if source == nil {
		return fmt.Sprintf("https://fw.test/%s/%s.fw", productID, target.UUID), nil
	}
	return fmt.Sprintf("https://fw.test/%s/%s.fw?from=%s&fwup=%s", productID, target.UUID, source.UUID, toolVersion), nil
}

func (m *mockCatalog) PublicMetadata(ctx context.Context, fw *types.Firmware) (*types.FirmwareMetadata, error) {
	if m.metaErr != nil {
		return nil, m.metaErr
	}
	return fw.Metadata(), nil
}

// mockLister implements DeploymentLister.
type mockLister struct {
	deployments []*types.Deployment
	err         error
}

func (m *mockLister) ListDeployments(ctx context.Context, orgID, productID string) ([]*types.Deployment, error) {
	if m.err != nil {
		return nil, m.err
	}
	var result []*types.Deployment
	for _, d := range m.deployments {
		if d.OrgID == orgID && d.ProductID == productID {
			result = append(result, d)
		}
	}
	return result, nil
}

var errBoom = errors.New("boom")

// newTestBreaker wires a breaker and its ledger to trail with a fixed clock.
func newTestBreaker(trail *mockTrail, now time.Time) *Breaker {
	ledger := NewLedger(trail)
	ledger.now = func() time.Time { return now }
	b := NewBreaker(ledger, trail, testutil.NewTestLogger())
	b.now = func() time.Time { return now }
	return b
}
