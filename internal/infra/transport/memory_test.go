package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	dialer := NewMemoryDialer()
	client, err := dialer.Dial(ctx, "mem://test")
	require.NoError(t, err)
	server, err := dialer.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Write(ctx, []byte(`{"ping":1}`)))
	frame, err := server.NextJSON(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, frame["ping"])

	require.NoError(t, server.PushJSON(map[string]any{"pong": 1}))
	data, err := client.Read(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"pong":1}`, string(data))
	require.Equal(t, 1, dialer.Dials())
}

func TestServerDropSurfacesCloseError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client, server := Pipe()
	require.NoError(t, server.Push([]byte(`{"msg_type":"tick"}`)))
	server.Drop(StatusAbnormal, "reset")

	// Frames queued before the drop are still delivered.
	_, err := client.Read(ctx)
	require.NoError(t, err)

	_, err = client.Read(ctx)
	ce, ok := AsCloseError(err)
	require.True(t, ok)
	require.Equal(t, StatusAbnormal, ce.Code)
	require.False(t, ce.Clean())
	require.ErrorIs(t, client.Write(ctx, []byte("x")), ErrClosed)
}

func TestClientCloseNotifiesServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client, server := Pipe()
	require.NoError(t, client.Close(StatusNormalClosure, "bye"))
	_, err := server.Next(ctx)
	ce, ok := AsCloseError(err)
	require.True(t, ok)
	require.True(t, ce.Clean())

	_, err = client.Read(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDialerRefuseAndHang(t *testing.T) {
	dialer := NewMemoryDialer()
	boom := errors.New("refused")
	dialer.Refuse(boom)
	_, err := dialer.Dial(context.Background(), "mem://")
	require.ErrorIs(t, err, boom)

	dialer.Refuse(nil)
	dialer.Hang(true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = dialer.Dial(ctx, "mem://")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 2, dialer.Dials())
}
