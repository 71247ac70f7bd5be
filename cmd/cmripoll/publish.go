package main

/*
MIT License

Copyright (c) 2015-2024 University Corporation for Atmospheric Research

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/NCAR/cmrio"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

//Snapshot is the retained message published for a unit whenever it changes
type Snapshot struct {
	CorrelationID string `json:"correlationID"`
	Unit          int    `json:"unit"`
	Timestamp     int64  `json:"timestamp"` //unix nanoseconds
	Bits          string `json:"bits"`      //1, 0 or - per input
	Inputs        string `json:"inputs,omitempty"`
	Forgotten     bool   `json:"forgotten,omitempty"`
}

//snapshot reads unit out of store
func snapshot(store *cmrio.Store[int], unit int, forgotten bool) Snapshot {
	s := Snapshot{
		CorrelationID: uuid.NewString(),
		Unit:          unit,
		Timestamp:     time.Now().UnixNano(),
		Forgotten:     forgotten,
	}
	if forgotten {
		return s
	}
	s.Bits = store.AllSensedBits(unit).String()
	if raw := store.Blob(unit, int(cmrio.TypeReceive)); len(raw) > 0 {
		s.Inputs = fmt.Sprintf("% X", raw)
	}
	return s
}

/*Publisher mirrors store changes onto MQTT, one retained topic per unit.
Changes are queued so a slow broker never holds up polling; when the queue
is full the change is dropped and the next one for that unit catches up.*/
type Publisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	store  *cmrio.Store[int]
	log    *zap.Logger

	mu          sync.Mutex //guards closed and sends on queue
	closed      bool
	queue       chan cmrio.Change[int]
	unsubscribe func()
	wg          sync.WaitGroup
}

const publishQueue = 256

//NewPublisher connects to the broker and starts mirroring store
func NewPublisher(cfg MQTTConfig, store *cmrio.Store[int], log *zap.Logger) (*Publisher, error) {
	id := cfg.ClientID
	if id == "" {
		id = "cmripoll-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(id).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, errors.Errorf("mqtt: timed out connecting to %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "mqtt: connecting to %s", cfg.Broker)
	}

	log.Info("publishing to mqtt", zap.String("broker", cfg.Broker), zap.String("topic", cfg.Topic), zap.String("client", id))
	return startPublisher(client, cfg, store, log), nil
}

//startPublisher mirrors store through an already connected client
func startPublisher(client mqtt.Client, cfg MQTTConfig, store *cmrio.Store[int], log *zap.Logger) *Publisher {
	p := &Publisher{
		client: client,
		topic:  cfg.Topic,
		qos:    cfg.QoS,
		store:  store,
		log:    log,
		queue:  make(chan cmrio.Change[int], publishQueue),
	}
	p.wg.Add(1)
	go p.run()
	p.unsubscribe = store.Subscribe(p.enqueue)
	return p
}

//enqueue runs on whatever goroutine wrote the store
func (p *Publisher) enqueue(c cmrio.Change[int]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- c:
	default:
		p.log.Debug("mqtt queue full, dropping change", zap.Int("unit", c.Device))
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for c := range p.queue {
		if err := p.publish(snapshot(p.store, c.Device, c.Kind == cmrio.ChangeForgotten)); err != nil {
			p.log.Warn("mqtt publish", zap.Int("unit", c.Device), zap.Error(err))
		}
	}
}

func (p *Publisher) publish(s Snapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tok := p.client.Publish(fmt.Sprintf("%s/%d", p.topic, s.Unit), p.qos, true, body)
	if !tok.WaitTimeout(5 * time.Second) {
		return errors.New("timed out")
	}
	return tok.Error()
}

//Close stops mirroring, drains the queue and disconnects
func (p *Publisher) Close() {
	p.unsubscribe()
	p.mu.Lock()
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	p.client.Disconnect(250)
}
