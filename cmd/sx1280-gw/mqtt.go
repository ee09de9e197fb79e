package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/NV4RE/gsx1280/internal/config"
)

// mq is a broker connection that keeps its subscriptions across reconnects.
type mq struct {
	conn   mqtt.Client
	prefix string
	log    logrus.FieldLogger

	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler
}

func newMQ(conf config.MQTT, log logrus.FieldLogger) (*mq, error) {
	id := conf.ClientID
	if id == "" {
		hostname, _ := os.Hostname()
		id = "sx1280-gw-" + hostname
	}
	m := &mq{prefix: conf.Prefix, log: log.WithField("broker", conf.Broker), subs: make(map[string]mqtt.MessageHandler)}

	opts := mqtt.NewClientOptions().AddBroker(conf.Broker)
	opts.ClientID = id
	opts.AutoReconnect = true
	opts.OnConnect = func(c mqtt.Client) {
		m.log.Info("mqtt connected")
		m.mu.Lock()
		defer m.mu.Unlock()
		for topic, h := range m.subs {
			t := c.Subscribe(topic, 1, h)
			go func(topic string) {
				// blocking on the token inside OnConnect stalls the client
				if t.Wait() && t.Error() != nil {
					m.log.WithError(t.Error()).WithField("topic", topic).Error("resubscribe failed")
				}
			}(topic)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.log.WithError(err).Warn("mqtt connection lost")
	}

	m.conn = mqtt.NewClient(opts)
	token := m.conn.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", conf.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	return m, nil
}

func (m *mq) topic(suffix string) string { return m.prefix + "/" + suffix }

// Publish sends payload JSON encoded to prefix/suffix.
func (m *mq) Publish(suffix string, payload interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		m.log.WithError(err).Error("encode mqtt payload")
		return
	}
	topic := m.topic(suffix)
	m.conn.Publish(topic, 1, false, b)
	m.log.WithField("topic", topic).Debug("published")
}

// Subscribe registers fn for prefix/suffix, which may hold wildcards. fn
// gets the full topic and the raw payload.
func (m *mq) Subscribe(suffix string, fn func(topic string, payload []byte)) error {
	topic := m.topic(suffix)
	h := func(_ mqtt.Client, msg mqtt.Message) { fn(msg.Topic(), msg.Payload()) }
	m.mu.Lock()
	m.subs[topic] = h
	m.mu.Unlock()
	t := m.conn.Subscribe(topic, 1, h)
	if !t.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt: subscribe %s timed out", topic)
	}
	return t.Error()
}

func (m *mq) Close() {
	m.conn.Disconnect(250)
}
