package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/angelmondragon/painsync/pkg/transport"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Checker reaches the remote study API.
type Checker interface {
	ServerStatus(ctx context.Context) (transport.ServerSyncStatus, error)
}

type ProberParams struct {
	Checker  Checker
	Logger   *logger.Logger
	Interval time.Duration
	Timeout  time.Duration
	Initial  bool
}

// Prober derives connectivity by polling the sync status endpoint. Only
// network failures count as offline; any answer from the server means online.
// Untyped errors are treated as network failures.
type Prober struct {
	*broadcaster
	checker  Checker
	logg     *logger.Logger
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewProber(params ProberParams) (*Prober, error) {
	if params.Checker == nil {
		return nil, errors.New("checker is required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Prober{
		broadcaster: newBroadcaster(params.Initial),
		checker:     params.Checker,
		logg:        logg,
		interval:    interval,
		timeout:     timeout,
	}, nil
}

// Probe checks the server once and publishes the result.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.checker.ServerStatus(probeCtx)
	online := reachable(err)
	if p.set(online) {
		p.logg.Info(p.logg.WithField(ctx, "online", online), "connectivity changed")
	}
	return online
}

func reachable(err error) bool {
	if err == nil {
		return true
	}
	typed := pkgerrors.As(err)
	return typed != nil && typed.Code() != pkgerrors.CodeNetwork
}

// Start probes immediately and then on every interval until ctx is canceled
// or Close is called.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		p.Probe(runCtx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.Probe(runCtx)
			}
		}
	}(p.done)
}

// Close stops the probe loop and waits for it to exit.
func (p *Prober) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
