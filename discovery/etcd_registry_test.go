package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const etcdEndpoint = "localhost:2379"

func newEtcdRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	conn, err := net.DialTimeout("tcp", etcdEndpoint, 200*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not reachable on %s: %v", etcdEndpoint, err)
	}
	_ = conn.Close()

	reg, err := NewEtcdRegistry([]string{etcdEndpoint}, 2*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newEtcdRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const service = "mcrouter-test"
	inst1 := Instance{Addr: "127.0.0.1:8001", Name: "a", Version: "1"}
	inst2 := Instance{Addr: "127.0.0.1:8002", Name: "b", Version: "1"}

	require.NoError(t, reg.Register(ctx, service, inst1, 10))
	require.NoError(t, reg.Register(ctx, service, inst2, 10))
	t.Cleanup(func() {
		_ = reg.Deregister(context.Background(), service, inst1.Addr)
		_ = reg.Deregister(context.Background(), service, inst2.Addr)
	})

	instances, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Instance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, service, inst1.Addr))
	instances, err = reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, []Instance{inst2}, instances)
}

func TestEtcdWatch(t *testing.T) {
	reg := newEtcdRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const service = "mcrouter-watch-test"
	updates := reg.Watch(ctx, service)
	time.Sleep(100 * time.Millisecond)

	inst := Instance{Addr: "127.0.0.1:8003"}
	require.NoError(t, reg.Register(ctx, service, inst, 10))
	t.Cleanup(func() { _ = reg.Deregister(context.Background(), service, inst.Addr) })

	select {
	case got := <-updates:
		assert.Contains(t, got, inst)
	case <-ctx.Done():
		t.Fatal("no watch update")
	}
}
