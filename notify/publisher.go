// Package notify publishes one JSON event per finished call to an MQTT broker.
//
// Publishing never holds up a call: events go into a bounded queue and are
// dropped when it is full. A single goroutine drains the queue and the paho
// client reconnects on its own when the broker goes away.
package notify

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"proteld/internal/ratelimit"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultQueue   = 64
	publishTimeout = 5 * time.Second
)

// Event describes one finished call.
type Event struct {
	Call       uint64    `json:"call"`
	Remote     string    `json:"remote"`
	Outcome    string    `json:"outcome"`
	Success    bool      `json:"success"`
	Identifier string    `json:"identifier,omitempty"`
	Bytes      int       `json:"bytes"`
	Resets     int       `json:"resets"`
	Path       string    `json:"path,omitempty"`
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"duration_ms"`
	Duplicate  bool      `json:"duplicate,omitempty"`
	// Distance is the edit distance to the previous capture of the same
	// number, or -1 when there is none.
	Distance int `json:"distance"`
}

// Encode renders ev as the JSON message body.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Options configures the publisher.
type Options struct {
	Broker   string
	Port     int
	Topic    string
	ClientID string
	Queue    int
	// OnDrop runs for each event discarded on a full queue.
	OnDrop func()
}

// Publisher owns the MQTT connection and the event queue.
type Publisher struct {
	broker   string
	port     int
	topic    string
	clientID string
	client   mqtt.Client
	send     func(topic string, body []byte) error
	queue    chan Event
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	onDrop   func()
	dropLog  *ratelimit.Limiter
	dropped  atomic.Uint64
	sent     atomic.Uint64
}

// NewPublisher creates a publisher; call Connect to start it.
func NewPublisher(opts Options) *Publisher {
	p := newPublisher(opts)
	p.send = p.mqttSend
	return p
}

func newPublisher(opts Options) *Publisher {
	if opts.Queue <= 0 {
		opts.Queue = defaultQueue
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("proteld-%d", time.Now().Unix())
	}
	return &Publisher{
		broker:   opts.Broker,
		port:     opts.Port,
		topic:    opts.Topic,
		clientID: clientID,
		queue:    make(chan Event, opts.Queue),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		onDrop:   opts.OnDrop,
		dropLog:  ratelimit.New(10 * time.Second),
	}
}

// Connect starts the broker connection and the publish loop. It does not wait
// for the broker: paho keeps retrying in the background, so a missing broker
// never stops the daemon from taking calls.
func (p *Publisher) Connect() error {
	if p.broker == "" || p.topic == "" {
		return errors.New("notify: broker and topic are required")
	}
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", p.broker, p.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(p.clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("Notify: connected to %s, publishing to %s", brokerURL, p.topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("Notify: connection lost: %v (will reconnect)", err)
	})
	p.client = mqtt.NewClient(opts)

	log.Printf("Connecting to MQTT broker at %s...", brokerURL)
	p.client.Connect()
	p.start()
	return nil
}

func (p *Publisher) start() {
	p.started.Store(true)
	go p.run()
}

func (p *Publisher) mqttSend(topic string, body []byte) error {
	token := p.client.Publish(topic, 1, false, body)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timed out after %s", publishTimeout)
	}
	return token.Error()
}

// Publish queues ev without blocking. It reports false when the event was
// dropped. Safe on a nil publisher.
func (p *Publisher) Publish(ev Event) bool {
	if p == nil {
		return false
	}
	select {
	case <-p.shutdown:
		return false
	default:
	}
	select {
	case p.queue <- ev:
		return true
	default:
		p.dropped.Add(1)
		if p.onDrop != nil {
			p.onDrop()
		}
		if total, ok := p.dropLog.Allow(); ok {
			log.Printf("Notify: queue full, dropping event for call # %d (%d dropped)", ev.Call, total)
		}
		return false
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case ev := <-p.queue:
			p.deliver(ev)
		case <-p.shutdown:
			return
		}
	}
}

func (p *Publisher) deliver(ev Event) {
	body, err := Encode(ev)
	if err != nil {
		log.Printf("Notify: failed to encode call # %d: %v", ev.Call, err)
		return
	}
	if err := p.send(p.topic, body); err != nil {
		log.Printf("Notify: failed to publish call # %d: %v", ev.Call, err)
		return
	}
	p.sent.Add(1)
}

// Dropped returns the number of events discarded on a full queue.
func (p *Publisher) Dropped() uint64 {
	if p == nil {
		return 0
	}
	return p.dropped.Load()
}

// Sent returns the number of events delivered to the broker.
func (p *Publisher) Sent() uint64 {
	if p == nil {
		return 0
	}
	return p.sent.Load()
}

// Stop ends the publish loop and disconnects. Events still queued are lost.
func (p *Publisher) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() {
		close(p.shutdown)
		if p.started.Load() {
			<-p.done
		}
		if p.client != nil {
			p.client.Disconnect(250)
		}
	})
}
