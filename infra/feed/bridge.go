package feed

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldops/dispatchd/core/store"
	"github.com/fieldops/dispatchd/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Enabled     bool            `json:"enabled"`
	Broker      string          `json:"broker"`
	ClientID    string          `json:"client_id"`
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	TopicPrefix string          `json:"topic_prefix"`
	UseTLS      bool            `json:"use_tls"`
	ClientCert  string          `json:"client_cert"`
	ClientKey   string          `json:"client_key"`
	CABundle    string          `json:"ca_bundle"`
	AuthMethod  string          `json:"auth_method"`
	QoS         map[string]byte `json:"qos"`
	LWTTopic    string          `json:"lwt_topic"`
	LWTPayload  string          `json:"lwt_payload"`
	LWTQoS      byte            `json:"lwt_qos"`
	LWTRetain   bool            `json:"lwt_retain"`
	MaxRetries  int             `json:"max_retries"`
	BackoffMS   int             `json:"backoff_ms"`
	TLSConfig   *tls.Config     `json:"-"`
}

// Applier is a store that can replay changes produced by another session and
// expose its own change feed.
type Applier interface {
	Apply(ev store.ChangeEvent)
	Subscribe() (<-chan store.ChangeEvent, func())
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Bridge relays store change events across sessions through an MQTT broker.
// Local events are published to per-collection topics; remote events are
// replayed into the local stores. Events originating from this session are
// filtered out on receipt so they are never applied twice.
type Bridge struct {
	cli    pahoClient
	origin string
	prefix string
	qos    map[string]byte

	jobs   Applier
	blocks Applier

	logger     logger.Logger
	maxRetries int
	backoff    time.Duration

	mu      sync.Mutex
	cancels []func()
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewBridge connects to the MQTT broker and subscribes to the change topics.
// The session origin must match the origin the local stores stamp their
// events with.
func NewBridge(cfg Config, origin string, jobs, blocks Applier) (*Bridge, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	logger := logger.New("feed_bridge")
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "dispatch/changes"
	}
	b := &Bridge{
		origin:     origin,
		prefix:     prefix,
		qos:        cfg.QoS,
		jobs:       jobs,
		blocks:     blocks,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		done:       make(chan struct{}),
	}

	opts.OnConnect = func(c paho.Client) {
		logger.Infof("MQTT connected")
		qos := byte(0)
		if q, ok := b.qos["changes"]; ok {
			qos = q
		}
		if token := c.Subscribe(b.prefix+"/#", qos, b.onChange); token.Wait() && token.Error() != nil {
			logger.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	b.cli = c
	return b, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	return cfg, nil
}

// Start begins relaying local change feeds to the broker. It returns once the
// relay goroutines are running.
func (b *Bridge) Start() {
	b.relay(b.jobs)
	b.relay(b.blocks)
}

func (b *Bridge) relay(src Applier) {
	if src == nil {
		return
	}
	ch, cancel := src.Subscribe()
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Origin != b.origin {
					continue
				}
				b.publish(ev)
			}
		}
	}()
}

func (b *Bridge) publish(ev store.ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Errorf("failed to encode change: %v", err)
		return
	}
	topic := fmt.Sprintf("%s/%s", b.prefix, ev.Collection)
	qos := byte(0)
	if q, ok := b.qos["changes"]; ok {
		qos = q
	}
	retries := b.maxRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := b.backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	var publishErr error
	for attempt := 0; attempt <= retries; attempt++ {
		token := b.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			b.logger.Debugf("published %s change for %s", ev.Kind, ev.EntityID())
			return
		}
		b.logger.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		time.Sleep(backoff * time.Duration(1<<attempt))
	}
	b.logger.Errorf("dropping change for %s: %v", ev.EntityID(), publishErr)
}

func (b *Bridge) onChange(_ paho.Client, msg paho.Message) {
	var ev store.ChangeEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		b.logger.Errorf("failed to decode change: %v", err)
		return
	}
	if ev.Origin == b.origin {
		return
	}
	switch ev.Collection {
	case store.CollectionJobs:
		if b.jobs != nil {
			b.jobs.Apply(ev)
		}
	case store.CollectionStatusBlocks:
		if b.blocks != nil {
			b.blocks.Apply(ev)
		}
	default:
		b.logger.Warnf("change for unknown collection %q", ev.Collection)
	}
}

// Close stops the relay goroutines and disconnects from the broker.
func (b *Bridge) Close() {
	close(b.done)
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.mu.Unlock()
	b.wg.Wait()
	if b.cli != nil && b.cli.IsConnected() {
		b.cli.Disconnect(250)
	}
}
