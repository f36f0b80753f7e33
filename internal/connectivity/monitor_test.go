package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualNotifiesTransitionsOnly(t *testing.T) {
	m := NewManual(false)
	var seen []bool
	unsubscribe := m.Subscribe(func(online bool) { seen = append(seen, online) })

	assert.False(t, m.Set(false))
	assert.True(t, m.Set(true))
	assert.False(t, m.Set(true))
	assert.True(t, m.Set(false))
	assert.Equal(t, []bool{true, false}, seen)

	unsubscribe()
	unsubscribe()
	m.Set(true)
	assert.Len(t, seen, 2)
	assert.True(t, m.Online())
}

func TestManualListenerMaySubscribe(t *testing.T) {
	m := NewManual(false)
	nested := 0
	m.Subscribe(func(bool) {
		m.Subscribe(func(bool) { nested++ })
	})

	m.Set(true)
	m.Set(false)
	assert.Equal(t, 1, nested)
}

type fakeChecker struct {
	mu  sync.Mutex
	err error
	n   int
}

func (f *fakeChecker) ServerStatus(context.Context) (transport.ServerSyncStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return transport.ServerSyncStatus{}, f.err
}

func (f *fakeChecker) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeChecker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func TestProberClassifiesResponses(t *testing.T) {
	checker := &fakeChecker{}
	p, err := NewProber(ProberParams{Checker: checker})
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, p.Probe(ctx))

	checker.setErr(pkgerrors.New(pkgerrors.CodeNetwork, "network unavailable"))
	assert.False(t, p.Probe(ctx))
	assert.False(t, p.Online())

	checker.setErr(pkgerrors.New(pkgerrors.CodeServer, "bad gateway"))
	assert.True(t, p.Probe(ctx), "a server error still proves reachability")

	checker.setErr(errors.New("dial tcp: i/o timeout"))
	assert.False(t, p.Probe(ctx))
}

func TestProberLoopStopsOnClose(t *testing.T) {
	checker := &fakeChecker{err: pkgerrors.New(pkgerrors.CodeNetwork, "down")}
	p, err := NewProber(ProberParams{Checker: checker, Interval: 5 * time.Millisecond, Initial: true})
	require.NoError(t, err)

	changed := make(chan bool, 4)
	p.Subscribe(func(online bool) { changed <- online })
	p.Start(context.Background())
	p.Start(context.Background())

	select {
	case online := <-changed:
		assert.False(t, online)
	case <-time.After(time.Second):
		t.Fatal("prober never reported offline")
	}

	checker.setErr(nil)
	select {
	case online := <-changed:
		assert.True(t, online)
	case <-time.After(time.Second):
		t.Fatal("prober never reported online")
	}

	require.NoError(t, p.Close())
	calls := checker.calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, checker.calls())
	require.NoError(t, p.Close())
}

func TestNewProberRequiresChecker(t *testing.T) {
	_, err := NewProber(ProberParams{})
	assert.Error(t, err)
}
