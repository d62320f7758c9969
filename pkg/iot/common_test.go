package iot

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"liyu1981.xyz/smartplant-service/pkg/db"
	"liyu1981.xyz/smartplant-service/pkg/iot/mocks"
)

type recordedEvent struct {
	Room    string
	Event   string
	Payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(room, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Room: room, Event: event, Payload: payload})
}

func (p *recordingPublisher) Find(room, event string) []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedEvent
	for _, e := range p.events {
		if e.Room == room && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testIOT struct {
	*IOT
	ctrl      *gomock.Controller
	inferer   *mocks.MockInferer
	publisher *recordingPublisher
	clock     *testClock
}

// GetMockIOTWithMemorySqliteDialector builds a core on the shared in-memory
// database with a recording publisher, a controllable clock and, when
// useMockInferer is set, a gomock inferer with inference enabled.
func GetMockIOTWithMemorySqliteDialector(t *testing.T, useMockInferer bool, tweak ...func(*Options)) *testIOT {
	ctrl := gomock.NewController(t)
	clock := newTestClock()
	publisher := &recordingPublisher{}

	blobs, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	opts := Options{
		Hub:                publisher,
		Blobs:              blobs,
		Now:                clock.Now,
		Limiters:           NewRateLimiterStore(100, 100),
		AlertRetention:     30 * 24 * time.Hour,
		SensorOfflineAfter: 5 * time.Minute,
	}

	mockInferer := mocks.NewMockInferer(ctrl)
	if useMockInferer {
		opts.Inferer = mockInferer
		opts.InferenceEnabled = true
	}

	for _, fn := range tweak {
		fn(&opts)
	}

	dbInstance := db.GetInstance(db.UseMemorySqliteDialector())
	iotInstance := New(*dbInstance, opts)
	t.Cleanup(iotInstance.Wait)

	return &testIOT{
		IOT:       iotInstance,
		ctrl:      ctrl,
		inferer:   mockInferer,
		publisher: publisher,
		clock:     clock,
	}
}

func ptr[T any](v T) *T {
	return &v
}
