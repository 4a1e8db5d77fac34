// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	stateNew int32 = iota
	stateIniting
	stateLive
	stateFinalizing
	stateFinalized
	stateAborted
)

const (
	dialRetryMin = 20 * time.Millisecond
	dialRetryMax = time.Second
	abortFlush   = time.Second
)

// Proc is one participant of a job. It owns the links to every peer and
// the matching engine behind all communicators derived from World.
type Proc struct {
	cfg       Config
	log       *slog.Logger
	codec     Codec
	onAbort   AbortHandler
	registrar Registrar
	frames    frameOptions

	state atomic.Int32
	rank  int
	size  int
	addrs []string

	ln         Listener
	links      []*link
	world      *Comm
	match      *matcher
	seq        atomic.Uint64
	syncs      sync.Map // seq -> *Request, synchronous sends awaiting an ack
	registry   *prometheus.Registry
	metrics    *metrics
	metricsSrv *http.Server
	failOnce   sync.Once
}

// New builds a Proc from cfg. Nothing is opened until Init.
func New(cfg Config, opts ...Option) *Proc {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, fn := range o.edit {
		fn(&cfg)
	}
	if cfg.Transport == "" {
		cfg.Transport = DefaultTransport
	}
	if cfg.Job == "" && cfg.Size <= 1 {
		cfg.Job = NewJobID()
	}

	p := &Proc{
		cfg:       cfg,
		codec:     o.codec,
		onAbort:   o.onAbort,
		registrar: o.registrar,
		frames:    cfg.frameOptions(),
		registry:  o.registry,
		rank:      -1,
	}
	if p.codec == nil {
		p.codec = defaultCodec
	}
	if p.onAbort == nil {
		p.onAbort = func(code int, _ error) { os.Exit(code) }
	}
	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
	}
	log := o.logger
	if log == nil {
		log = defaultLogger(cfg.LogLevel)
	}
	p.log = log.With("job", cfg.Job)
	p.metrics = newMetrics(p.registry, cfg.Transport)
	p.match = newMatcher(p.onMatch, func(n int) { p.metrics.unexpected.Set(float64(n)) })
	p.world = newComm(p, worldContext, -1, nil)
	return p
}

// Init establishes the process's rank and a link to every peer. It must
// complete on every process of the job before any communication.
func (p *Proc) Init(ctx context.Context) error {
	if !p.state.CompareAndSwap(stateNew, stateIniting) {
		return ErrAlreadyInitialized
	}
	if err := p.init(ctx); err != nil {
		for _, l := range p.links {
			if l != nil {
				l.kill()
			}
		}
		p.links = nil
		if p.ln != nil {
			p.ln.Close()
			p.ln = nil
		}
		p.rank, p.size = -1, 0
		p.state.Store(stateNew)
		return err
	}
	p.log = p.log.With("rank", p.rank)
	p.state.Store(stateLive)
	for _, l := range p.links {
		if l != nil {
			l.start()
		}
	}
	p.log.Info("initialized", "size", p.size, "transport", p.cfg.Transport)
	return nil
}

func (p *Proc) init(ctx context.Context) error {
	if err := p.cfg.validate(); err != nil {
		return err
	}
	if p.cfg.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.InitTimeout)
		defer cancel()
	}
	t, err := lookupTransport(p.cfg.Transport)
	if err != nil {
		return err
	}

	listenAddr := p.cfg.Addr
	if len(p.cfg.Peers) > 0 && p.cfg.Rank >= 0 {
		listenAddr = p.cfg.Peers[p.cfg.Rank]
	}
	if p.cfg.Size > 1 {
		if p.ln, err = t.listen(listenAddr); err != nil {
			return err
		}
		listenAddr = p.ln.Addr()
	}

	if p.rank, p.addrs, err = p.discover(ctx, listenAddr); err != nil {
		return err
	}
	p.size = len(p.addrs)
	p.links = make([]*link, p.size)
	if err := p.connect(ctx, t); err != nil {
		return err
	}

	members := make([]Member, p.size)
	for i, addr := range p.addrs {
		members[i] = Member{Rank: i, Addr: addr}
	}
	p.world.reset(p.rank, members)

	if p.cfg.MetricsAddr != "" {
		if p.metricsSrv, err = serveMetrics(p.cfg.MetricsAddr, p.registry); err != nil {
			return err
		}
	}
	return nil
}

// discover resolves this process's rank and the job's address table
func (p *Proc) discover(ctx context.Context, addr string) (int, []string, error) {
	registrar := p.registrar
	if registrar == nil && p.cfg.Rendezvous != "" {
		registrar = NewRendezvousClient(p.cfg.Rendezvous, p.log)
	}
	switch {
	case registrar != nil:
		reply, err := registrar.Join(ctx, RegisterArgs{
			Job:  p.cfg.Job,
			Rank: p.cfg.Rank,
			Size: p.cfg.Size,
			Addr: addr,
		})
		if err != nil {
			return -1, nil, errors.Wrap(err, "rendezvous")
		}
		if len(reply.Addrs) != reply.Size || reply.Rank < 0 || reply.Rank >= reply.Size {
			return -1, nil, errors.Errorf("rendezvous: bad reply rank %d size %d", reply.Rank, reply.Size)
		}
		return reply.Rank, reply.Addrs, nil
	case len(p.cfg.Peers) > 0:
		if p.cfg.Rank < 0 {
			return -1, nil, rankErr(p.cfg.Rank, p.cfg.Size, "static peer table needs a rank, got")
		}
		return p.cfg.Rank, append([]string(nil), p.cfg.Peers...), nil
	case p.cfg.Size == 1:
		return 0, []string{addr}, nil
	}
	return -1, nil, errors.Errorf("size %d needs a rendezvous service or a peer table", p.cfg.Size)
}

// connect links every pair of processes once: each rank dials the lower
// ranks and accepts the higher ones, which announce themselves with hello.
func (p *Proc) connect(ctx context.Context, t transportEntry) error {
	if p.size == 1 {
		return nil
	}
	ln := p.ln
	g, gctx := errgroup.WithContext(ctx)
	// Accept does not watch the context on every transport
	stop := context.AfterFunc(gctx, func() { ln.Close() })
	defer stop()

	var mu sync.Mutex
	set := func(rank int, c Conn) error {
		mu.Lock()
		defer mu.Unlock()
		if p.links[rank] != nil {
			c.Close()
			return errors.Errorf("duplicate link from rank %d", rank)
		}
		p.links[rank] = newLink(p, rank, c)
		return nil
	}

	g.Go(func() error {
		for n := p.size - 1 - p.rank; n > 0; n-- {
			c, err := ln.Accept(gctx)
			if err != nil {
				return errors.Wrap(err, "accept")
			}
			frame, err := c.Recv(gctx)
			if err != nil {
				c.Close()
				return errors.Wrap(err, "read hello")
			}
			h, err := decodeHello(frame)
			if err != nil {
				c.Close()
				return err
			}
			if h.Job != p.cfg.Job || h.Rank <= p.rank || h.Rank >= p.size {
				c.Close()
				return errors.Errorf("unexpected hello from rank %d of job %q", h.Rank, h.Job)
			}
			if err := set(h.Rank, c); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < p.rank; r++ {
		r := r
		g.Go(func() error {
			c, err := dialRetry(gctx, t, p.addrs[r])
			if err != nil {
				return errors.Wrapf(err, "dial rank %d", r)
			}
			if err := c.Send(gctx, encodeHello(hello{Rank: p.rank, Job: p.cfg.Job})); err != nil {
				c.Close()
				return errors.Wrapf(err, "hello to rank %d", r)
			}
			return set(r, c)
		})
	}
	err := g.Wait()
	ln.Close()
	p.ln = nil
	return err
}

// dialRetry dials until the peer's listener is up or ctx ends
func dialRetry(ctx context.Context, t transportEntry, addr string) (Conn, error) {
	wait := dialRetryMin
	for {
		c, err := t.dial(ctx, addr)
		if err == nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), err.Error())
		case <-time.After(wait):
		}
		wait = min(wait*2, dialRetryMax)
	}
}

// World returns the communicator of all processes
func (p *Proc) World() *Comm { return p.world }

// Registry returns the metrics registry of this process
func (p *Proc) Registry() *prometheus.Registry { return p.registry }

// Logger returns the process logger
func (p *Proc) Logger() *slog.Logger { return p.log }

func (p *Proc) check() error {
	switch p.state.Load() {
	case stateNew, stateIniting:
		return ErrNotInitialized
	case stateLive, stateFinalizing:
		return nil
	case stateFinalized:
		return ErrFinalized
	}
	return ErrAborted
}

// Finalize synchronizes all processes, says bye to every peer and closes
// all resources. Every process of the job must call it.
func (p *Proc) Finalize(ctx context.Context) error {
	switch p.state.Load() {
	case stateNew, stateIniting:
		return ErrNotInitialized
	case stateFinalizing, stateFinalized:
		return ErrFinalized
	case stateAborted:
		return ErrAborted
	}
	if !p.state.CompareAndSwap(stateLive, stateFinalizing) {
		return ErrFinalized
	}

	err := p.world.Barrier(ctx)
	var wg sync.WaitGroup
	for _, l := range p.links {
		l := l
		if l == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.shutdown(ctx)
		}()
	}
	wg.Wait()
	p.teardown(ErrFinalized)
	p.state.CompareAndSwap(stateFinalizing, stateFinalized)
	p.log.Debug("finalized")
	return err
}

// Abort tells every peer to abort and runs the abort handler
func (p *Proc) Abort(code int) {
	if p.check() == nil {
		frame := encodeAbort(p.rank, code)
		var wg sync.WaitGroup
		for _, l := range p.links {
			if l == nil {
				continue
			}
			wg.Add(1)
			l.enqueue(frame, func(error) { wg.Done() })
		}
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(abortFlush):
		}
	}
	p.fatal(code, errors.Errorf("rank %d called abort with code %d", p.rank, code))
}

// fatal aborts the job once: pending operations fail and the handler runs
func (p *Proc) fatal(code int, err error) {
	p.failOnce.Do(func() {
		p.state.Store(stateAborted)
		p.log.Error("job aborted", "code", code, slog.String("err", err.Error()))
		p.teardown(errors.Wrap(ErrAborted, err.Error()))
		p.onAbort(code, err)
	})
}

// teardown fails outstanding work with err and closes everything
func (p *Proc) teardown(err error) {
	p.match.shutdown(err)
	p.syncs.Range(func(key, value any) bool {
		p.syncs.Delete(key)
		value.(*Request).finish(Status{}, err)
		return true
	})
	for _, l := range p.links {
		if l != nil {
			l.kill()
		}
	}
	if p.ln != nil {
		p.ln.Close()
	}
	if p.metricsSrv != nil {
		p.metricsSrv.Close()
	}
}

// handleFrame dispatches one frame read from l
func (p *Proc) handleFrame(l *link, frame []byte) error {
	body := frame[1:]
	switch MessageType(frame[0]) {
	case MsgData:
		env, payload, err := decodeData(body)
		if err != nil {
			return err
		}
		p.match.deliver(&inbound{
			ctx:     env.Context,
			src:     int(env.Source),
			tag:     int(env.Tag),
			sig:     env.Sig,
			count:   int(env.Count),
			seq:     env.Seq,
			sync:    env.Flags&flagSync != 0,
			from:    l.rank,
			payload: payload,
		})
	case MsgAck:
		seq, err := decodeAck(body)
		if err != nil {
			return errors.Wrap(errBadFrame, err.Error())
		}
		p.acked(seq)
	case MsgBye:
		l.peerBye()
	case MsgAbort:
		rank, code, err := decodeAbort(body)
		if err != nil {
			return errors.Wrap(errBadFrame, err.Error())
		}
		p.fatal(code, errors.Errorf("rank %d aborted with code %d", rank, code))
	default:
		return errors.Wrapf(errBadFrame, "frame type %d", frame[0])
	}
	return nil
}

// onMatch completes a receive and acknowledges synchronous sends
func (p *Proc) onMatch(pr *postedRecv, in *inbound) {
	st, err := pr.accept(in)
	pr.req.finish(st, err)
	if !in.sync {
		return
	}
	if in.from == p.rank {
		p.acked(in.seq)
		return
	}
	p.links[in.from].enqueue(encodeAck(in.seq), nil)
}

func (p *Proc) acked(seq uint64) {
	if v, ok := p.syncs.LoadAndDelete(seq); ok {
		v.(*Request).finish(Status{}, nil)
	}
}
