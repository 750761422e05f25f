package notify

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEncodeEvent(t *testing.T) {
	started := time.Date(2026, time.March, 4, 5, 6, 7, 0, time.UTC)
	body, err := Encode(Event{
		Call:       7,
		Remote:     "127.0.0.1:40000",
		Outcome:    "Success",
		Success:    true,
		Identifier: "3115552368",
		Bytes:      71,
		Path:       "/spool/1772600767_3115552368.txt",
		Started:    started,
		DurationMS: 1500,
		Distance:   -1,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got := string(body)
	for _, want := range []string{
		`"call":7`,
		`"outcome":"Success"`,
		`"success":true`,
		`"identifier":"3115552368"`,
		`"started":"2026-03-04T05:06:07Z"`,
		`"duration_ms":1500`,
		`"distance":-1`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("encoded event %s missing %s", got, want)
		}
	}
	if strings.Contains(got, "duplicate") {
		t.Fatalf("false duplicate flag should be omitted: %s", got)
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	drops := 0
	p := newPublisher(Options{Broker: "localhost", Topic: "t", Queue: 1, OnDrop: func() { drops++ }})
	if !p.Publish(Event{Call: 1}) {
		t.Fatal("first event should be queued")
	}
	if p.Publish(Event{Call: 2}) {
		t.Fatal("second event should be dropped")
	}
	if p.Dropped() != 1 || drops != 1 {
		t.Fatalf("dropped=%d drops=%d", p.Dropped(), drops)
	}
	p.Stop()
}

func TestPublishDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	delivered := make(chan struct{}, 3)

	p := newPublisher(Options{Broker: "localhost", Topic: "proteld/calls"})
	p.send = func(topic string, body []byte) error {
		if topic != "proteld/calls" {
			t.Errorf("topic = %q", topic)
		}
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		delivered <- struct{}{}
		return nil
	}
	p.start()
	defer p.Stop()

	for i := uint64(1); i <= 3; i++ {
		if !p.Publish(Event{Call: i}) {
			t.Fatalf("event %d dropped", i)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, body := range bodies {
		if !strings.Contains(body, fmt.Sprintf(`"call":%d,`, i+1)) {
			t.Fatalf("body %d = %s", i, body)
		}
	}
}

func TestSendFailureIsNotCounted(t *testing.T) {
	attempted := make(chan struct{}, 1)
	p := newPublisher(Options{Broker: "localhost", Topic: "t"})
	p.send = func(string, []byte) error {
		attempted <- struct{}{}
		return errors.New("not connected")
	}
	p.start()
	p.Publish(Event{Call: 1})
	select {
	case <-attempted:
	case <-time.After(2 * time.Second):
		t.Fatal("send not attempted")
	}
	p.Stop()
	if p.Sent() != 0 {
		t.Fatalf("Sent = %d", p.Sent())
	}
}

func TestPublishAfterStop(t *testing.T) {
	p := newPublisher(Options{Broker: "localhost", Topic: "t"})
	p.Stop()
	p.Stop()
	if p.Publish(Event{Call: 1}) {
		t.Fatal("publish after stop should fail")
	}
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	if p.Publish(Event{}) {
		t.Fatal("nil publisher accepted event")
	}
	p.Stop()
	if p.Dropped() != 0 || p.Sent() != 0 {
		t.Fatal("nil publisher counters")
	}
}

func TestConnectRequiresBrokerAndTopic(t *testing.T) {
	p := NewPublisher(Options{Topic: "t"})
	if err := p.Connect(); err == nil {
		t.Fatal("expected error without broker")
	}
}
