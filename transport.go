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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

/*Transport binds a Poller and a Store to one physical channel.  Attach and
Detach may be called any number of times, in any order.*/
type Transport interface {
	Attach() bool
	Detach()
	SetPolling(on bool) error
	Polling() bool
	Properties() *Properties
}

//SerialTransport property keys
const (
	PropPort         = "port"
	PropSettings     = "settings"
	PropTimeout      = "timeout"
	PropDiscoverRate = "discoverRate"
	PropSilence      = "silence"
)

var _ Transport = &SerialTransport{}

/*SerialTransportConfig lists a SerialTransport's collaborators.  Everything is
optional.*/
type SerialTransportConfig struct {
	Store    *Store[int]
	Manager  NodeMessageManager //CMRI{} when nil
	Timeouts *Timeouts
	Log      *zap.Logger

	//DefaultQuery is given to units added without a query message; PollMessage() when nil
	DefaultQuery []byte

	//Open creates the channel; NewIDoIO when nil
	Open func(ctx context.Context, timeout time.Duration, dial string) (IDoIO, error)

	//JoinWait bounds each stage of a Poller shutdown; DefaultJoinWait when 0
	JoinWait time.Duration
}

/*SerialTransport is the Transport for a bus on a serial port, or on a network
bridge to one.  Its properties are

  port          device name (/dev/ttyUSB0), or a full dial string (tcp://host:port)
  settings      comma or semicolon separated; element 0 is the baud rate.  Always 8N1.
  timeout       milliseconds a unit gets to answer
  discoverRate  recovery attempts per cycle, in (0, 1]
  silence       milliseconds of quiet before each exchange

port and settings are required.*/
type SerialTransport struct {
	props        *Properties
	store        *Store[int]
	mgr          NodeMessageManager
	timeouts     *Timeouts
	log          *zap.Logger
	defaultQuery []byte
	open         func(ctx context.Context, timeout time.Duration, dial string) (IDoIO, error)
	joinWait     time.Duration

	mu        sync.Mutex
	units     map[int]struct{}
	cancel    context.CancelFunc
	arb       *Arb
	arbCancel context.CancelFunc
	poller    *Poller
	err       error
}

//NewSerialTransport returns a detached transport
func NewSerialTransport(cfg SerialTransportConfig) *SerialTransport {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Store == nil {
		cfg.Store = NewStore[int](cfg.Log)
	}
	if cfg.Manager == nil {
		cfg.Manager = CMRI{}
	}
	if cfg.DefaultQuery == nil {
		cfg.DefaultQuery = PollMessage()
	}
	if cfg.Open == nil {
		cfg.Open = NewIDoIO
	}
	return &SerialTransport{
		props:        NewProperties(PropPort, PropSettings, PropTimeout, PropDiscoverRate, PropSilence),
		store:        cfg.Store,
		mgr:          cfg.Manager,
		timeouts:     cfg.Timeouts,
		log:          cfg.Log,
		defaultQuery: cfg.DefaultQuery,
		open:         cfg.Open,
		joinWait:     cfg.JoinWait,
		units:        make(map[int]struct{}),
	}
}

/*String conforms to the fmt.Stringer interface*/
func (t *SerialTransport) String() string {
	return fmt.Sprintf("serial transport on %q", t.props.Text(PropPort))
}

//Properties returns the transport's property bag
func (t *SerialTransport) Properties() *Properties { return t.props }

//Store returns the store units report into
func (t *SerialTransport) Store() *Store[int] { return t.store }

//Poller returns the poller of the current attachment, or nil
func (t *SerialTransport) Poller() *Poller {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.poller
}

//Err returns the channel error that last stopped polling, if any
func (t *SerialTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

type channelConfig struct {
	dial    string
	timeout time.Duration
	silence time.Duration
	rate    float64
}

func (t *SerialTransport) channelConfig() (channelConfig, error) {
	var cfg channelConfig
	port := t.props.Text(PropPort)
	if port == "" {
		return cfg, errors.Wrapf(ErrInvalidArgument, "property %s is required", PropPort)
	}
	settings := t.props.List(PropSettings)
	if len(settings) == 0 || settings[0] == "" {
		return cfg, errors.Wrapf(ErrInvalidArgument, "property %s is required", PropSettings)
	}
	baud, err := strconv.Atoi(settings[0])
	if err != nil || baud <= 0 {
		return cfg, errors.Wrapf(ErrInvalidArgument, "baud rate %q", settings[0])
	}
	if strings.Contains(port, "://") {
		cfg.dial = port
	} else {
		cfg.dial = fmt.Sprintf("serial://%s:%d", port, baud)
	}

	ms, err := t.props.Int(PropTimeout, int(DefaultResponseTimeout/time.Millisecond))
	if err != nil {
		return cfg, err
	}
	if ms <= 0 {
		return cfg, errors.Wrapf(ErrInvalidArgument, "timeout %dms", ms)
	}
	cfg.timeout = time.Duration(ms) * time.Millisecond

	ms, err = t.props.Int(PropSilence, int(DefaultSilence/time.Millisecond))
	if err != nil {
		return cfg, err
	}
	if ms < 0 {
		return cfg, errors.Wrapf(ErrInvalidArgument, "silence %dms", ms)
	}
	cfg.silence = time.Duration(ms) * time.Millisecond

	if cfg.rate, err = t.props.Float(PropDiscoverRate, DefaultRecoveryRate); err != nil {
		return cfg, err
	}
	return cfg, checkRate(cfg.rate)
}

/*Attach opens the channel and builds a Poller for it, registering every unit
added so far.  It returns false, after logging why, if a property is missing
or bad or the channel cannot be opened.  Attaching an attached transport is a
no-op returning true, unless its worker has died; that attachment is torn
down and replaced.*/
func (t *SerialTransport) Attach() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.poller != nil {
		select {
		case <-t.poller.Done():
			t.log.Info("reattaching after polling stopped", zap.String("channel", t.arb.String()))
			t.release(t.detach())
		default:
			return true
		}
	}
	cfg, err := t.channelConfig()
	if err != nil {
		t.log.Warn("attach rejected", zap.String("port", t.props.Text(PropPort)), zap.Error(err))
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	channel, err := t.open(ctx, cfg.timeout, cfg.dial)
	if err != nil {
		cancel()
		t.log.Warn("cannot open channel",
			zap.String("dial", cfg.dial), zap.String("cause", ChannelFailure(err)), zap.Error(err))
		return false
	}
	arb, arbCancel := Arbitrate(ctx, channel)
	p, err := NewPoller(PollerConfig{
		Arbiter:      arb,
		Manager:      t.mgr,
		Store:        t.store,
		Timeouts:     t.timeouts,
		Log:          t.log.With(zap.String("channel", arb.String())),
		RecoveryRate: cfg.rate,
		Timeout:      cfg.timeout,
		Silence:      cfg.silence,
		JoinWait:     t.joinWait,
	})
	if err != nil {
		arb.Close()
		arbCancel()
		cancel()
		t.log.Warn("attach rejected", zap.String("dial", cfg.dial), zap.Error(err))
		return false
	}
	units := make([]int, 0, len(t.units))
	for u := range t.units {
		units = append(units, u)
	}
	slices.Sort(units)
	for _, u := range units {
		p.AddUnitToPollingList(u)
	}

	t.cancel, t.arb, t.arbCancel, t.poller, t.err = cancel, arb, arbCancel, p, nil
	go t.watch(ctx, p)
	t.log.Info("attached", zap.String("channel", arb.String()), zap.Ints("units", units),
		zap.Duration("timeout", cfg.timeout), zap.Duration("silence", cfg.silence), zap.Float64("discoverRate", cfg.rate))
	return true
}

//watch records the error that kills p's worker
func (t *SerialTransport) watch(ctx context.Context, p *Poller) {
	select {
	case <-ctx.Done():
		return
	case <-p.Done():
	}
	if err := p.Err(); err != nil {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		t.log.Error("transport stopped polling", zap.Error(err))
	}
}

/*Detach stops polling, shuts the Poller down and releases the channel.  It
is safe to call when not attached.  The transport is usable by other callers
while the Poller shuts down.*/
func (t *SerialTransport) Detach() {
	t.mu.Lock()
	a := t.detach()
	t.mu.Unlock()
	t.release(a)
}

//attachment is what one Attach built
type attachment struct {
	poller    *Poller
	arb       *Arb
	cancel    context.CancelFunc
	arbCancel context.CancelFunc
}

//detach must be called with mu held; it forgets the current attachment
func (t *SerialTransport) detach() *attachment {
	if t.poller == nil {
		return nil
	}
	a := &attachment{poller: t.poller, arb: t.arb, cancel: t.cancel, arbCancel: t.arbCancel}
	t.cancel, t.arb, t.arbCancel, t.poller = nil, nil, nil, nil
	return a
}

//release tears down an attachment taken by detach
func (t *SerialTransport) release(a *attachment) {
	if a == nil {
		return
	}
	if err := a.poller.Shutdown(); err != nil {
		t.log.Error("poller shutdown", zap.Error(err))
	}
	if err := a.arb.Close(); err != nil {
		t.log.Debug("closing channel", zap.Error(err))
	}
	a.arbCancel()
	a.cancel()
	t.log.Info("detached", zap.String("channel", a.arb.String()))
}

//SetPolling starts or pauses polling; the transport must be attached
func (t *SerialTransport) SetPolling(on bool) error {
	p := t.Poller()
	if p == nil {
		return errors.Wrap(ErrChannel, "transport is not attached")
	}
	return p.SetPolling(on)
}

//Polling is true while attached and the worker is polling
func (t *SerialTransport) Polling() bool {
	p := t.Poller()
	return p != nil && p.Polling()
}

/*AddUnit registers addr, 0..MaxAddress, for polling now and on every later
attachment.  A unit without a query message is given the default one.*/
func (t *SerialTransport) AddUnit(addr int) error {
	if addr < 0 || addr > MaxAddress {
		return errors.Wrapf(ErrInvalidArgument, "unit address %d not in 0..%d", addr, MaxAddress)
	}
	if len(t.store.QueryMessage(addr)) == 0 {
		t.store.SetQueryMessage(addr, t.defaultQuery)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.units[addr] = struct{}{}
	if t.poller != nil {
		t.poller.AddUnitToPollingList(addr)
	}
	return nil
}

//RemoveUnit stops polling addr; its stored state is kept
func (t *SerialTransport) RemoveUnit(addr int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.units, addr)
	if t.poller != nil {
		t.poller.RemoveUnitFromPollingList(addr)
	}
}

//Units returns the registered unit addresses, sorted
func (t *SerialTransport) Units() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.units))
	for u := range t.units {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}
