package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/store"
)

func withMockClient(t *testing.T) *mockClient {
	t.Helper()
	mc := &mockClient{}
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() {
		newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) }
	})
	return mc
}

func waitForPublishes(t *testing.T, mc *mockClient, n int) []publishedMsg {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := mc.Published(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d publishes, got %d", n, len(mc.Published()))
	return nil
}

func TestBridgePublishesLocalChanges(t *testing.T) {
	mc := withMockClient(t)
	jobs := store.NewMemoryJobStore("session-a")
	blocks := store.NewMemoryStatusBlockStore("session-a")
	b, err := NewBridge(Config{Broker: "tcp://localhost:1883", ClientID: "id", QoS: map[string]byte{"changes": 1}}, "session-a", jobs, blocks)
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	defer b.Close()
	b.Start()

	if len(mc.subscribed) == 0 || mc.subscribed[0].topic != "dispatch/changes/#" || mc.subscribed[0].qos != 1 {
		t.Fatalf("change topic not subscribed: %+v", mc.subscribed)
	}

	job := &model.Job{Name: "Boiler swap", Start: time.Now(), End: time.Now().Add(time.Hour), AssignedWorkers: []string{"w1"}}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	msgs := waitForPublishes(t, mc, 1)
	if msgs[0].topic != "dispatch/changes/jobs" || msgs[0].qos != 1 {
		t.Fatalf("unexpected publish: %+v", msgs[0])
	}
	var ev store.ChangeEvent
	if err := json.Unmarshal(msgs[0].payload, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Origin != "session-a" || ev.Job == nil || ev.Job.ID != job.ID {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestBridgeAppliesRemoteChanges(t *testing.T) {
	withMockClient(t)
	jobs := store.NewMemoryJobStore("session-a")
	b, err := NewBridge(Config{Broker: "tcp://localhost:1883", ClientID: "id"}, "session-a", jobs, nil)
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	defer b.Close()

	remote := store.ChangeEvent{
		Collection: store.CollectionJobs,
		Kind:       store.ChangeCreated,
		Origin:     "session-b",
		Job:        &model.Job{ID: "j-remote", Name: "Remote", Start: time.Now(), End: time.Now().Add(time.Hour)},
		Workers:    []string{"w2"},
	}
	payload, _ := json.Marshal(remote)
	b.onChange(nil, mockMessage{payload})

	got, err := jobs.Get(context.Background(), "j-remote")
	if err != nil {
		t.Fatalf("remote job not applied: %v", err)
	}
	if got.Name != "Remote" {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestBridgeFiltersOwnEcho(t *testing.T) {
	withMockClient(t)
	jobs := store.NewMemoryJobStore("session-a")
	b, err := NewBridge(Config{Broker: "tcp://localhost:1883", ClientID: "id"}, "session-a", jobs, nil)
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	defer b.Close()

	echo := store.ChangeEvent{
		Collection: store.CollectionJobs,
		Kind:       store.ChangeCreated,
		Origin:     "session-a",
		Job:        &model.Job{ID: "j-echo", Name: "Echo", Start: time.Now(), End: time.Now().Add(time.Hour)},
	}
	payload, _ := json.Marshal(echo)
	b.onChange(nil, mockMessage{payload})

	if _, err := jobs.Get(context.Background(), "j-echo"); err == nil {
		t.Fatalf("echoed event must not be applied")
	}
}

func TestBridgeDoesNotRepublishRemoteEvents(t *testing.T) {
	mc := withMockClient(t)
	jobs := store.NewMemoryJobStore("session-a")
	b, err := NewBridge(Config{Broker: "tcp://localhost:1883", ClientID: "id"}, "session-a", jobs, nil)
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	defer b.Close()
	b.Start()

	remote := store.ChangeEvent{
		Collection: store.CollectionJobs,
		Kind:       store.ChangeCreated,
		Origin:     "session-b",
		Job:        &model.Job{ID: "j-remote", Name: "Remote", Start: time.Now(), End: time.Now().Add(time.Hour)},
	}
	payload, _ := json.Marshal(remote)
	b.onChange(nil, mockMessage{payload})

	// the replayed event reaches the local feed with its remote origin and
	// must not be echoed back to the broker
	time.Sleep(50 * time.Millisecond)
	if got := len(mc.Published()); got != 0 {
		t.Fatalf("remote event republished %d times", got)
	}
}

func TestBridgeRetriesPublish(t *testing.T) {
	mc := withMockClient(t)
	mc.publishErrs = []error{errors.New("net fail"), nil}
	jobs := store.NewMemoryJobStore("session-a")
	b, err := NewBridge(Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 1, BackoffMS: 1}, "session-a", jobs, nil)
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	defer b.Close()
	b.Start()

	job := &model.Job{Name: "Retry", Start: time.Now(), End: time.Now().Add(time.Hour)}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	msgs := waitForPublishes(t, mc, 2)
	if msgs[0].topic != msgs[1].topic {
		t.Fatalf("retry went to a different topic: %+v", msgs)
	}
}

func TestLoadTLSConfigRequiresFiles(t *testing.T) {
	cfg := Config{UseTLS: true}
	if _, err := cfg.LoadTLSConfig(); err == nil {
		t.Fatalf("expected error for missing cert paths")
	}
}

type publishedMsg struct {
	topic   string
	qos     byte
	payload []byte
}

// mockClient implements pahoClient for tests
type mockClient struct {
	opts       *paho.ClientOptions
	subscribed []struct {
		topic string
		qos   byte
	}

	mu          sync.Mutex
	published   []publishedMsg
	publishErrs []error
}

func (m *mockClient) Published() []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishedMsg(nil), m.published...)
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMsg{topic, qos, append([]byte(nil), payload.([]byte)...)})
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}
func (m *mockClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	m.subscribed = append(m.subscribed, struct {
		topic string
		qos   byte
	}{topic, qos})
	return &dummyToken{}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type mockMessage struct{ p []byte }

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return "" }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}
