//file: internal/broker/manager_test.go

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slalaure/mqtt-uns-viewer-sub001/config"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/bus"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// startTestBroker runs an in-process MQTT broker and returns its port.
func startTestBroker(t *testing.T) int {
	t.Helper()
	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	server := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("test-%d", port),
		Address: addr,
	})))

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() { server.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return port
		}
		if time.Now().After(deadline) {
			t.Fatal("test broker did not start")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func testBrokerConfig(id string, port int, mutate ...func(*config.BrokerConfig)) *config.BrokerConfig {
	cfg := &config.BrokerConfig{
		ID:        id,
		Protocol:  "mqtt",
		Host:      "127.0.0.1",
		Port:      port,
		Subscribe: []string{"t/#"},
		Publish:   []string{"out/#"},
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	return cfg
}

type inbound struct {
	brokerID string
	topic    string
	payload  string
}

func newTestManager(t *testing.T, b *bus.Bus) (*Manager, chan inbound) {
	t.Helper()
	ch := make(chan inbound, 64)
	m := NewManager(Options{
		Logger: logger.NewNop(),
		Bus:    b,
		Handler: func(brokerID, topic string, payload []byte) {
			ch <- inbound{brokerID, topic, string(payload)}
		},
	})
	t.Cleanup(m.Stop)
	return m, ch
}

func connectTestClient(t *testing.T, port int, clientID string) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", port)).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectTimeout(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "client connect timeout")
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(100) })
	return client
}

func waitForState(t *testing.T, m *Manager, brokerID string, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, st := range m.StatusAll() {
			if st.BrokerID == brokerID && st.State == want {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("broker %s never reached state %s", brokerID, want)
}

func TestManagerReceivesSubscribedMessages(t *testing.T) {
	port := startTestBroker(t)
	m, ch := newTestManager(t, nil)

	require.NoError(t, m.AddBroker(testBrokerConfig("b1", port)))
	require.NoError(t, m.Start(context.Background()))
	waitForState(t, m, "b1", StateConnected)

	publisher := connectTestClient(t, port, "ext-pub")
	token := publisher.Publish("t/room/temp", 1, false, `{"v":25}`)
	require.True(t, token.WaitTimeout(5*time.Second))

	select {
	case msg := <-ch:
		assert.Equal(t, "b1", msg.brokerID)
		assert.Equal(t, "t/room/temp", msg.topic)
		assert.Equal(t, `{"v":25}`, msg.payload)
	case <-time.After(5 * time.Second):
		t.Fatal("inbound message never reached the handler")
	}
}

func TestManagerPublishAccepted(t *testing.T) {
	port := startTestBroker(t)
	m, _ := newTestManager(t, nil)

	require.NoError(t, m.AddBroker(testBrokerConfig("b1", port)))
	require.NoError(t, m.Start(context.Background()))
	waitForState(t, m, "b1", StateConnected)

	subscriber := connectTestClient(t, port, "ext-sub")
	got := make(chan string, 1)
	token := subscriber.Subscribe("out/data", 1, func(_ paho.Client, msg paho.Message) {
		got <- string(msg.Payload())
	})
	require.True(t, token.WaitTimeout(5*time.Second))

	result, err := m.Publish("b1", "out/data", []byte(`{"x":1}`), 0, false)
	require.NoError(t, err)
	assert.Equal(t, PublishAccepted, result)

	select {
	case payload := <-got:
		assert.Equal(t, `{"x":1}`, payload)
	case <-time.After(5 * time.Second):
		t.Fatal("published frame never arrived")
	}
}

func TestManagerPublishRejectedByACL(t *testing.T) {
	port := startTestBroker(t)
	m, _ := newTestManager(t, nil)

	require.NoError(t, m.AddBroker(testBrokerConfig("b1", port)))
	require.NoError(t, m.Start(context.Background()))
	waitForState(t, m, "b1", StateConnected)

	subscriber := connectTestClient(t, port, "ext-sub")
	got := make(chan string, 1)
	subscriber.Subscribe("forbidden/x", 1, func(_ paho.Client, msg paho.Message) {
		got <- string(msg.Payload())
	}).WaitTimeout(5 * time.Second)

	result, err := m.Publish("b1", "forbidden/x", []byte("nope"), 0, false)
	assert.Equal(t, PublishRejectedByACL, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not allow publishing")

	// Nothing escapes to the wire
	select {
	case <-got:
		t.Fatal("denied publish reached the broker")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestManagerPublishEmptyACLDeniesEverything(t *testing.T) {
	port := startTestBroker(t)
	m, _ := newTestManager(t, nil)

	cfg := testBrokerConfig("b1", port, func(c *config.BrokerConfig) { c.Publish = nil })
	require.NoError(t, m.AddBroker(cfg))
	require.NoError(t, m.Start(context.Background()))
	waitForState(t, m, "b1", StateConnected)

	result, err := m.Publish("b1", "out/data", []byte("x"), 0, false)
	assert.Equal(t, PublishRejectedByACL, result)
	assert.Error(t, err)
}

func TestManagerPublishUnknownBroker(t *testing.T) {
	m, _ := newTestManager(t, nil)

	result, err := m.Publish("ghost", "out/data", []byte("x"), 0, false)
	assert.Equal(t, PublishSendError, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown broker")
}

func TestManagerPublishNoConnection(t *testing.T) {
	m, _ := newTestManager(t, nil)

	// Registered but never started
	require.NoError(t, m.AddBroker(testBrokerConfig("b1", freePort(t))))

	result, err := m.Publish("b1", "out/data", []byte("x"), 0, false)
	assert.Equal(t, PublishNoConnection, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestManagerACLCheckedBeforeConnection(t *testing.T) {
	m, _ := newTestManager(t, nil)
	require.NoError(t, m.AddBroker(testBrokerConfig("b1", freePort(t))))

	// Denied topics fail on the ACL even while disconnected
	result, _ := m.Publish("b1", "forbidden/x", []byte("x"), 0, false)
	assert.Equal(t, PublishRejectedByACL, result)
}

func TestManagerDuplicateBrokerID(t *testing.T) {
	m, _ := newTestManager(t, nil)

	require.NoError(t, m.AddBroker(testBrokerConfig("b1", freePort(t))))
	err := m.AddBroker(testBrokerConfig("b1", freePort(t)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestManagerStatusEnvelopes(t *testing.T) {
	port := startTestBroker(t)
	b := bus.New(logger.NewNop(), nil)
	m, _ := newTestManager(t, b)

	sub := b.Subscribe(32)
	defer b.Unsubscribe(sub)

	require.NoError(t, m.AddBroker(testBrokerConfig("b1", port)))
	require.NoError(t, m.Start(context.Background()))
	waitForState(t, m, "b1", StateConnected)

	var statuses []Status
	var sawStatusAll bool
	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case msg := <-sub.C():
			switch msg.Type {
			case bus.TypeBrokerStatus:
				var st Status
				require.NoError(t, json.Unmarshal(msg.Data, &st))
				statuses = append(statuses, st)
				if st.State == StateConnected {
					break collect
				}
			case bus.TypeBrokerStatusAll:
				sawStatusAll = true
			}
		case <-deadline:
			t.Fatal("never saw the connected envelope")
		}
	}

	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, StateConnecting, statuses[0].State)
	assert.Equal(t, "b1", statuses[0].BrokerID)
	assert.NotEmpty(t, statuses[0].Timestamp)
	assert.Equal(t, StateConnected, statuses[len(statuses)-1].State)
	assert.True(t, sawStatusAll, "every transition is followed by a fleet snapshot")

	// Sequence numbers are strictly increasing
	for i := 1; i < len(statuses); i++ {
		assert.Greater(t, statuses[i].Seq, statuses[i-1].Seq)
	}
}

func TestManagerStopTransitions(t *testing.T) {
	port := startTestBroker(t)
	m, _ := newTestManager(t, nil)

	require.NoError(t, m.AddBroker(testBrokerConfig("b1", port)))
	require.NoError(t, m.Start(context.Background()))
	waitForState(t, m, "b1", StateConnected)

	m.Stop()
	m.Stop() // idempotent

	statuses := m.StatusAll()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateDisconnected, statuses[0].State)
}

func TestManagerStatusAllSorted(t *testing.T) {
	m, _ := newTestManager(t, nil)

	require.NoError(t, m.AddBroker(testBrokerConfig("b2", freePort(t))))
	require.NoError(t, m.AddBroker(testBrokerConfig("b1", freePort(t))))

	statuses := m.StatusAll()
	require.Len(t, statuses, 2)
	assert.Equal(t, "b1", statuses[0].BrokerID)
	assert.Equal(t, "b2", statuses[1].BrokerID)
	assert.Equal(t, StateDisconnected, statuses[0].State)
}
