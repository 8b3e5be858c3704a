package events

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSRelay_Subject(t *testing.T) {
	r := NewNATSRelay(nil, "")

	assert.Equal(t, "autofix.issues.42.status", r.Subject("42", StatusChanged("42", "failed", "")))
	assert.Equal(t, "autofix.issues.all.connected", r.Subject(AllTopic, Connected("")))
	assert.Equal(t, "autofix.issues.a_b.log", r.Subject("a.b", Log("a.b", "agent", "x", time.Time{})))
}

func TestNATSRelay_PublishesBusEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("autofix.issues.>", msgs)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	bus := NewBus(WithPublisher(NewNATSRelay(nc, "autofix.issues")))
	bus.Broadcast("77", StatusChanged("77", "pr_open", "https://github.com/acme/web/pull/3"))
	require.NoError(t, nc.Flush())

	select {
	case msg := <-msgs:
		assert.Equal(t, "autofix.issues.77.status", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "pr_open", ev.Status)
		assert.Equal(t, "https://github.com/acme/web/pull/3", ev.PRURL)
	case <-time.After(2 * time.Second):
		t.Fatal("no message relayed")
	}
}
