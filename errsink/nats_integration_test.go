//go:build integration

package errsink

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/semwire/errors"
)

func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
	}
	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)
	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return natsContainer, fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_ConnectNATSPublishesEvents(t *testing.T) {
	ctx := context.Background()
	natsContainer, url := startNATSContainer(ctx, t)
	defer func() { _ = natsContainer.Terminate(ctx) }()

	sink, err := ConnectNATS(url, "semwire.test.errors", "errsink-test", nil)
	require.NoError(t, err)

	conn, err := nats.Connect(url)
	require.NoError(t, err)
	defer conn.Close()
	msgs := make(chan *nats.Msg, 4)
	sub, err := conn.ChanSubscribe("semwire.test.errors", msgs)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, conn.Flush())

	sink.Report(NewEvent(time.Now(), "receiver", errors.WrapInvalid(errors.ErrShortFrame, "receiver", "onDatagram", "decode")))
	require.NoError(t, sink.Close())

	select {
	case msg := <-msgs:
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "receiver", ev.Source)
		assert.Equal(t, "invalid", ev.Class)
	case <-time.After(5 * time.Second):
		t.Fatal("no error event received")
	}
	assert.Zero(t, sink.Failed())
}
