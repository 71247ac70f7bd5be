package cmrio

/*
MIT License

Copyright (c) 2015-2024 University Corporation for Atmospheric Research

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

//Poller defaults, used when the matching PollerConfig field is zero
const (
	DefaultRecoveryRate    = 0.2
	DefaultResponseTimeout = 100 * time.Millisecond
	DefaultSilence         = 10 * time.Millisecond
	DefaultJoinWait        = 3500 * time.Millisecond
)

//crossing tolerance of the recovery accumulator
const accumulatorEpsilon = 1e-9

//pausePoll is how often a paused worker re-checks its flag
const pausePoll = 50 * time.Millisecond

/*PollerConfig holds everything a Poller is bound to.  Arbiter, Manager and
Store are required.*/
type PollerConfig struct {
	Arbiter  Arbiter
	Manager  NodeMessageManager
	Store    *Store[int]
	Timeouts *Timeouts //schedules shutdown escalation; optional
	Log      *zap.Logger

	//RecoveryRate is added to the recovery accumulator every cycle; (0, 1]
	RecoveryRate float64
	//Timeout is how long a unit gets to answer a query
	Timeout time.Duration
	//Silence is the quiet time on the wire before each exchange
	Silence time.Duration
	//JoinWait bounds each of the two waits in Shutdown
	JoinWait time.Duration

	/*Record is called with every answer accepted from a unit, on the worker
	goroutine.  The default is RecordInputs into Store.*/
	Record func(NodeMessage)
}

/*PollerStats are running totals since the Poller was created*/
type PollerStats struct {
	Cycles           uint64
	Polls            uint64
	Responses        uint64
	Demotions        uint64
	RecoveryAttempts uint64
	Recovered        uint64
}

/*Poller drives a bank of units over one Arbiter.  Every known unit is either
active, in which case it is queried once per cycle, or reviving.  Reviving
units get recovery attempts at a rate set by the recovery accumulator.  A
unit is never in both queues.

The worker goroutine is started by the first SetPolling(true) and runs until
Shutdown or a channel failure; Wait reports which.*/
type Poller struct {
	arb      Arbiter
	mgr      NodeMessageManager
	store    *Store[int]
	timeouts *Timeouts
	log      *zap.Logger
	record   func(NodeMessage)

	timeout, silence, joinWait time.Duration

	mu          sync.Mutex
	active      []int
	revive      []int
	known       map[int]struct{}
	accumulator float64
	rate        float64
	started     bool
	shutdown    bool
	err         error

	polling *atomic.Bool
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	cycles, polls, responses, demotions, attempts, recovered *atomic.Uint64
}

//NewPoller validates cfg and returns a stopped Poller
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Arbiter == nil || cfg.Manager == nil || cfg.Store == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "poller needs an arbiter, a message manager and a store")
	}
	if cfg.RecoveryRate == 0 {
		cfg.RecoveryRate = DefaultRecoveryRate
	}
	if err := checkRate(cfg.RecoveryRate); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultResponseTimeout
	}
	if cfg.Silence < 0 {
		cfg.Silence = 0
	}
	if cfg.JoinWait <= 0 {
		cfg.JoinWait = DefaultJoinWait
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		arb:       cfg.Arbiter,
		mgr:       cfg.Manager,
		store:     cfg.Store,
		timeouts:  cfg.Timeouts,
		log:       cfg.Log,
		record:    cfg.Record,
		timeout:   cfg.Timeout,
		silence:   cfg.Silence,
		joinWait:  cfg.JoinWait,
		known:     make(map[int]struct{}),
		rate:      cfg.RecoveryRate,
		polling:   atomic.NewBool(false),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		cycles:    atomic.NewUint64(0),
		polls:     atomic.NewUint64(0),
		responses: atomic.NewUint64(0),
		demotions: atomic.NewUint64(0),
		attempts:  atomic.NewUint64(0),
		recovered: atomic.NewUint64(0),
	}
	if p.record == nil {
		p.record = func(m NodeMessage) { RecordInputs(p.store, m) }
	}
	return p, nil
}

func checkRate(r float64) error {
	if !(r > 0 && r <= 1) {
		return errors.Wrapf(ErrInvalidArgument, "recovery rate %v not in (0, 1]", r)
	}
	return nil
}

//SetRecoveryRate changes the recovery accumulator increment; r must be in (0, 1]
func (p *Poller) SetRecoveryRate(r float64) error {
	if err := checkRate(r); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rate = r
	return nil
}

//RecoveryRate returns the current recovery accumulator increment
func (p *Poller) RecoveryRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

/*SetPolling starts (on the first call with true), resumes or pauses the
worker.  Pausing is cooperative: the worker finishes the exchange in hand and
then idles with its queues intact.  It wraps ErrShutdown once Shutdown was
called.*/
func (p *Poller) SetPolling(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return errors.Wrap(ErrShutdown, "poller")
	}
	if p.started && p.err != nil {
		return errors.Wrap(p.err, "polling worker has failed")
	}
	p.polling.Store(on)
	switch {
	case on && !p.started:
		p.started = true
		go p.run()
	case on:
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	p.log.Info("polling", zap.Bool("on", on), zap.String("channel", p.arb.String()))
	return nil
}

//Polling is true while the worker is running and not paused
func (p *Poller) Polling() bool {
	return p.polling.Load()
}

/*Shutdown stops the worker for good.  It cancels cooperatively and waits up
to JoinWait; if the worker is still stuck it closes the channel under it and
waits once more.  The error wraps ErrShutdown if the worker never exited.*/
func (p *Poller) Shutdown() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	started := p.started
	p.mu.Unlock()

	p.polling.Store(false)
	p.cancel()
	if !started {
		return nil
	}

	interrupt := func() {
		p.log.Warn("polling worker ignored shutdown, closing channel", zap.Duration("waited", p.joinWait))
		p.arb.Close()
	}
	var escalation *Handle
	if p.timeouts != nil {
		escalation, _ = p.timeouts.Schedule(p.joinWait, interrupt)
	}
	select {
	case <-p.done:
		if escalation != nil {
			escalation.Cancel()
		}
		return nil
	case <-time.After(p.joinWait):
	}
	if escalation == nil {
		interrupt()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.joinWait):
		return errors.Wrap(ErrShutdown, "polling worker did not exit")
	}
}

//Done is closed when the worker exits.  It never closes if polling never started.
func (p *Poller) Done() <-chan struct{} { return p.done }

/*Wait blocks until the worker exits and returns the channel error that killed
it, or nil after Shutdown.  It blocks forever if polling never started.*/
func (p *Poller) Wait() error {
	<-p.done
	return p.Err()
}

//Err is the channel error that stopped the worker, if any
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

/*AddUnitToPollingList (re-)adds addr as a reviving unit.  An active unit is
demoted; a unit already reviving keeps its place.*/
func (p *Poller) AddUnitToPollingList(addr int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known[addr] = struct{}{}
	if i := slices.Index(p.active, addr); i >= 0 {
		p.active = slices.Delete(p.active, i, i+1)
		p.revive = append(p.revive, addr)
		return
	}
	if !slices.Contains(p.revive, addr) {
		p.revive = append(p.revive, addr)
	}
}

//RemoveUnitFromPollingList drops addr from whichever queue holds it
func (p *Poller) RemoveUnitFromPollingList(addr int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.known, addr)
	p.active = slices.DeleteFunc(p.active, func(a int) bool { return a == addr })
	p.revive = slices.DeleteFunc(p.revive, func(a int) bool { return a == addr })
}

//Active returns the active queue in poll order
func (p *Poller) Active() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.active)
}

//Reviving returns the revive queue in attempt order
func (p *Poller) Reviving() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.revive)
}

//Accumulator returns the recovery accumulator
func (p *Poller) Accumulator() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accumulator
}

//Stats returns the running totals
func (p *Poller) Stats() PollerStats {
	return PollerStats{
		Cycles:           p.cycles.Load(),
		Polls:            p.polls.Load(),
		Responses:        p.responses.Load(),
		Demotions:        p.demotions.Load(),
		RecoveryAttempts: p.attempts.Load(),
		Recovered:        p.recovered.Load(),
	}
}

func (p *Poller) run() {
	defer close(p.done)
	err := p.loop()
	p.polling.Store(false)
	if err != nil {
		p.log.Error("polling worker stopped", zap.String("channel", p.arb.String()), zap.Error(err))
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *Poller) loop() error {
	for {
		if p.ctx.Err() != nil {
			return nil
		}
		if !p.polling.Load() {
			select {
			case <-p.ctx.Done():
				return nil
			case <-p.wake:
			case <-time.After(pausePoll):
			}
			continue
		}
		if err := p.cycle(p.ctx); err != nil {
			if p.ctx.Err() != nil { //failure caused by Shutdown closing the channel
				return nil
			}
			return err
		}
	}
}

/*cycle is one pass of the worker: at most one recovery attempt, then every
unit that was active when the pass began is queried once.  Only channel
failures are returned.*/
func (p *Poller) cycle(ctx context.Context) error {
	p.cycles.Inc()
	if !sleep(ctx, p.idleWait()) {
		return nil
	}

	if addr, ok := p.nextRevival(); ok {
		if err := p.reviveUnit(ctx, addr); err != nil {
			return err
		}
	}

	p.mu.Lock()
	n := len(p.active)
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		addr, ok := p.popActive()
		if !ok {
			break
		}
		if !sleep(ctx, p.silence) {
			p.requeue(addr, true)
			return nil
		}
		p.polls.Inc()
		ok, err := p.exchange(addr)
		if err != nil {
			p.requeue(addr, true)
			return err
		}
		if !ok {
			p.demotions.Inc()
			p.log.Warn("unit stopped answering", zap.Int("unit", addr))
		}
		p.requeue(addr, ok)
	}
	return nil
}

//idleWait keeps a worker with nothing to do from spinning
func (p *Poller) idleWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silence <= 0 && len(p.active) == 0 && len(p.revive) == 0 {
		return time.Millisecond
	}
	return p.silence
}

/*nextRevival advances the recovery accumulator and, when it crosses 1.0,
resets it and pops the head of the revive queue*/
func (p *Poller) nextRevival() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.revive) == 0 {
		return 0, false
	}
	p.accumulator += p.rate
	if p.accumulator < 1-accumulatorEpsilon {
		return 0, false
	}
	p.accumulator = 0
	addr := p.revive[0]
	p.revive = slices.Delete(p.revive, 0, 1)
	return addr, true
}

func (p *Poller) popActive() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.active) == 0 {
		return 0, false
	}
	addr := p.active[0]
	p.active = slices.Delete(p.active, 0, 1)
	return addr, true
}

/*requeue puts addr back at the tail of active or revive, unless it was removed
or re-added while it was out of both queues*/
func (p *Poller) requeue(addr int, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.known[addr]; !ok {
		return
	}
	if slices.Contains(p.active, addr) || slices.Contains(p.revive, addr) {
		return
	}
	if active {
		p.active = append(p.active, addr)
	} else {
		p.revive = append(p.revive, addr)
	}
}

/*reviveUnit sends addr its init messages and then queries it.  An answer makes it
active; anything short of a channel failure leaves it reviving.*/
func (p *Poller) reviveUnit(ctx context.Context, addr int) error {
	p.attempts.Inc()
	for i, msg := range p.store.InitMessages(addr) {
		pkt, err := p.mgr.Encode(NodeMessage{Address: addr, Data: msg})
		if err != nil {
			p.log.Warn("cannot encode init message", zap.Int("unit", addr), zap.Int("index", i), zap.Error(err))
			p.requeue(addr, false)
			return nil
		}
		if !sleep(ctx, p.silence) {
			p.requeue(addr, false)
			return nil
		}
		rsp := p.arb.Control(Command{Name: fmt.Sprintf("init unit %d", addr), Timeout: p.timeout, Packet: pkt})
		if rsp.Error != nil && !IsTimeout(rsp.Error) {
			p.requeue(addr, false)
			return rsp.Error
		}
	}
	if !sleep(ctx, p.silence) {
		p.requeue(addr, false)
		return nil
	}
	ok, err := p.exchange(addr)
	if err != nil {
		p.requeue(addr, false)
		return err
	}
	if ok {
		p.recovered.Inc()
		p.log.Info("unit answering", zap.Int("unit", addr))
	} else {
		p.log.Debug("unit still silent", zap.Int("unit", addr))
	}
	p.requeue(addr, ok)
	return nil
}

/*exchange sends addr its query and waits for the answer.  ok is false for
silence, garbage, or an answer from the wrong unit; err is only set when the
channel itself failed.*/
func (p *Poller) exchange(addr int) (ok bool, err error) {
	query := p.store.QueryMessage(addr)
	if len(query) == 0 {
		p.log.Debug("unit has no query message", zap.Int("unit", addr))
		return false, nil
	}
	q := NodeMessage{Address: addr, Data: query}
	pkt, err := p.mgr.Encode(q)
	if err != nil {
		p.log.Warn("cannot encode query", zap.Int("unit", addr), zap.Error(err))
		return false, nil
	}
	rsp := p.arb.Control(Command{
		Name:     fmt.Sprintf("poll unit %d", addr),
		Timeout:  p.timeout,
		Packet:   pkt,
		Complete: p.mgr.Complete,
	})
	if rsp.Error != nil {
		if IsTimeout(rsp.Error) {
			p.log.Debug("no answer", zap.Int("unit", addr), zap.Duration("after", rsp.Duration))
			return false, nil
		}
		return false, rsp.Error
	}
	msg, err := p.reply(q, rsp.Bytes)
	if err != nil {
		p.log.Debug("unusable answer", zap.Int("unit", addr), zap.Binary("rx", rsp.Bytes), zap.Error(err))
		return false, nil
	}
	p.responses.Inc()
	p.record(msg)
	return true, nil
}

/*reply decodes rx as the answer to query.  Undecodable bytes, a frame from
another unit and an echo of the query all wrap ErrNoResponse.*/
func (p *Poller) reply(query NodeMessage, rx []byte) (NodeMessage, error) {
	msg, err := p.mgr.AcceptRxPacket(rx)
	if err != nil {
		return NodeMessage{}, errors.Wrapf(ErrNoResponse, "unit %d: %v", query.Address, err)
	}
	if msg.Address != query.Address {
		return NodeMessage{}, errors.Wrapf(ErrNoResponse, "unit %d answered for unit %d", msg.Address, query.Address)
	}
	if !p.mgr.IsResponse(query, msg) {
		return NodeMessage{}, errors.Wrapf(ErrNoResponse, "unit %d: %q is not an answer to %q",
			query.Address, []byte{msg.Type()}, []byte{query.Type()})
	}
	return msg, nil
}

//sleep waits d, returning false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
