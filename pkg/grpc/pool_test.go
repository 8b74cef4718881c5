package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startHealthServer(t *testing.T) (string, *health.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), hs
}

func TestPoolReusesConnection(t *testing.T) {
	p := NewPool()
	defer p.Close()

	a, err := p.GetConnection("127.0.0.1:1")
	require.NoError(t, err)
	b, err := p.GetConnection("127.0.0.1:1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	require.NoError(t, p.Close())
	c, err := p.GetConnection("127.0.0.1:1")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestCheck(t *testing.T) {
	addr, hs := startHealthServer(t)
	p := NewPool()
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := p.Check(ctx, addr, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	status, err = p.Check(ctx, addr, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	_, err = p.Check(ctx, addr, "unknown.Service")
	assert.Error(t, err)
}
