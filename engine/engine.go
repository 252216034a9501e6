package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/apernet/ovpnkit/io"
	"github.com/apernet/ovpnkit/push"
	"github.com/apernet/ovpnkit/ruleset"
	"github.com/apernet/ovpnkit/session"
	"github.com/apernet/ovpnkit/strategy"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTickInterval = 500 * time.Millisecond
	defaultQueueSize    = 256
	defaultRetryDelay   = 2 * time.Second
)

var (
	ErrNoProfile = errors.New("no profile")
	// ErrNoEndpoints means no address is compatible with any configured
	// protocol.
	ErrNoEndpoints = errors.New("no usable endpoints")
	// ErrEndpointsExhausted is returned by Run when every endpoint failed
	// once and Cycle is not set. It wraps the last attempt error.
	ErrEndpointsExhausted = errors.New("all endpoints failed")
	// ErrAttemptsExhausted is returned by Run after MaxAttempts failed
	// attempts. It wraps the last attempt error.
	ErrAttemptsExhausted = errors.New("connection attempts exhausted")
	ErrQueueFull         = errors.New("outbound queue full")
)

var _ Engine = (*engine)(nil)

type engine struct {
	config Config
	logger Logger
	node   *snowflake.Node

	ruleset     atomic.Pointer[rulesetHolder]
	established atomic.Bool
	outbound    chan [][]byte
	captured    chan capturedPackets
}

type rulesetHolder struct {
	ruleset ruleset.Ruleset
}

type capturedPackets struct {
	timestamp time.Time
	packets   [][]byte
}

func NewEngine(config Config) (Engine, error) {
	if config.Profile == nil {
		return nil, ErrNoProfile
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.Dialer == nil {
		config.Dialer = &io.Dialer{}
	}
	if config.Resolver == nil {
		r, err := strategy.NewResolver(nil, 0)
		if err != nil {
			return nil, err
		}
		config.Resolver = r
	}
	logger := config.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	node, err := snowflake.NewNode(0)
	if err != nil {
		return nil, err
	}
	e := &engine{
		config:   config,
		logger:   logger,
		node:     node,
		outbound: make(chan [][]byte, config.QueueSize),
	}
	if config.Capture != nil {
		e.captured = make(chan capturedPackets, config.QueueSize)
	}
	e.ruleset.Store(&rulesetHolder{ruleset: config.Ruleset})
	return e, nil
}

func (e *engine) UpdateRuleset(r ruleset.Ruleset) error {
	e.ruleset.Store(&rulesetHolder{ruleset: r})
	return nil
}

// Filter implements push.Filter with the current ruleset, so a ruleset
// update applies to the next push reply of the running session.
func (e *engine) Filter(d push.Directive) (push.Action, string) {
	h := e.ruleset.Load()
	if h == nil || h.ruleset == nil {
		return push.ActionAccept, ""
	}
	return h.ruleset.Filter(d)
}

func (e *engine) Send(packets [][]byte) error {
	if !e.established.Load() {
		return session.ErrNotEstablished
	}
	select {
	case e.outbound <- packets:
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *engine) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	connCtx, connCancel := context.WithCancel(gCtx)
	if e.captured != nil {
		g.Go(func() error {
			return e.captureLoop(connCtx)
		})
	}
	g.Go(func() error {
		defer connCancel()
		return e.connectLoop(connCtx)
	})
	return g.Wait()
}

func (e *engine) connectLoop(ctx context.Context) error {
	st, err := e.newStrategy(ctx)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; e.config.MaxAttempts == 0 || attempt < e.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			if !st.Advance() {
				if !e.config.Cycle {
					return fmt.Errorf("%w: %w", ErrEndpointsExhausted, lastErr)
				}
				// Start over, with fresh addresses
				st, err = e.newStrategy(ctx)
				if err != nil {
					return err
				}
			}
			if !sleepContext(ctx, e.config.RetryDelay) {
				return nil
			}
		}
		endpoint, err := st.Current()
		if err != nil {
			return err
		}
		lastErr = e.runAttempt(ctx, endpoint)
		if ctx.Err() != nil {
			return nil
		}
		if isFatal(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
}

func (e *engine) newStrategy(ctx context.Context) (*strategy.Strategy, error) {
	profile := e.config.Profile
	addresses, err := e.config.Resolver.ResolveStrings(ctx, profile.Hostname)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warning(0, fmt.Sprintf("resolve %s: %v", profile.Hostname, err))
		if len(addresses) == 0 {
			addresses = []string{profile.Hostname}
		}
	}
	st := strategy.New(addresses, profile.Endpoints)
	if profile.RandomizeEndpoint && e.config.Rand != nil {
		st.Shuffle(e.config.Rand)
	}
	if !st.HasNext() {
		return nil, ErrNoEndpoints
	}
	return st, nil
}

func (e *engine) runAttempt(ctx context.Context, endpoint strategy.Endpoint) error {
	id := e.node.Generate().Int64()
	e.logger.AttemptStart(id, endpoint)
	err := e.attempt(ctx, id, endpoint)
	e.established.Store(false)
	if err != nil && ctx.Err() == nil {
		e.logger.AttemptError(id, endpoint, err)
	}
	return err
}

func (e *engine) captureLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-e.captured:
			if err := e.config.Capture.Write(c.timestamp, c.packets); err != nil {
				e.logger.Warning(0, fmt.Sprintf("capture: %v", err))
			}
		}
	}
}

// inspect logs and captures tunnel packets. It never blocks the session.
func (e *engine) inspect(id int64, inbound bool, packets [][]byte) {
	for _, p := range packets {
		if info, err := io.DescribeTunnelPacket(p); err == nil {
			e.logger.TunnelPacket(id, inbound, info)
		}
	}
	if e.captured == nil {
		return
	}
	copied := make([][]byte, len(packets))
	for i, p := range packets {
		copied[i] = append([]byte(nil), p...)
	}
	select {
	case e.captured <- capturedPackets{timestamp: time.Now(), packets: copied}:
	default:
		e.logger.Warning(id, "capture queue full, packets not recorded")
	}
}

// fatalError ends Run instead of moving on to the next endpoint.
type fatalError struct {
	Err error
}

func (e *fatalError) Error() string {
	return e.Err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.Err
}

func isFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return true
	}
	return errors.Is(err, session.ErrAuthFailed)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
