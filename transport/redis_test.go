package transport_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharedcode/memwatch/transport"
)

func TestDefaultOptions(t *testing.T) {
	opts := transport.DefaultOptions()
	require.Equal(t, "localhost:6379", opts.Address)
	require.Equal(t, 0, opts.DB)
	require.Equal(t, 2*time.Second, opts.PublishTimeout)
}

func TestNewRedisPublisher_LazyConnectDoesNotPanic(t *testing.T) {
	// go-redis dials lazily; constructing and closing a publisher must
	// not require a reachable server.
	p := transport.NewRedisPublisher(transport.Options{Address: "127.0.0.1:1"}, nil)
	require.NotNil(t, p)
	require.NoError(t, p.Close())
}
