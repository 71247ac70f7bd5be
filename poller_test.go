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
	"math"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type pollerRig struct {
	bus    *fakeBus
	store  *Store[int]
	poller *Poller
}

func newPollerRig(t *testing.T, rate float64) *pollerRig {
	t.Helper()
	bus := newFakeBus()
	arb, cancel := Arbitrate(context.Background(), bus)
	t.Cleanup(cancel)
	store := NewStore[int](zaptest.NewLogger(t))
	p, err := NewPoller(PollerConfig{
		Arbiter:      arb,
		Manager:      CMRI{},
		Store:        store,
		Log:          zaptest.NewLogger(t),
		RecoveryRate: rate,
		Timeout:      20 * time.Millisecond,
		JoinWait:     500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown() })
	return &pollerRig{bus: bus, store: store, poller: p}
}

//addUnit registers a unit that answers P with in, or is silent if in is nil
func (r *pollerRig) addUnit(addr int, in []byte) {
	r.store.SetQueryMessage(addr, PollMessage())
	if in != nil {
		r.bus.setInputs(addr, in...)
	}
	r.poller.AddUnitToPollingList(addr)
}

func (r *pollerRig) cycles(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, r.poller.cycle(context.Background()))
	}
}

func assertExclusive(t *testing.T, p *Poller) {
	t.Helper()
	for _, a := range p.Active() {
		assert.False(t, slices.Contains(p.Reviving(), a), "unit %d is both active and reviving", a)
	}
	seen := map[int]bool{}
	for _, a := range append(p.Active(), p.Reviving()...) {
		assert.False(t, seen[a], "unit %d queued twice", a)
		seen[a] = true
	}
}

func TestNewPoller(t *testing.T) {
	_, err := NewPoller(PollerConfig{})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	arb, cancel := Arbitrate(context.Background(), newFakeBus())
	defer cancel()
	_, err = NewPoller(PollerConfig{Arbiter: arb, Manager: CMRI{}, Store: NewStore[int](nil), RecoveryRate: 2})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	p, err := NewPoller(PollerConfig{Arbiter: arb, Manager: CMRI{}, Store: NewStore[int](nil)})
	require.NoError(t, err)
	assert.Equal(t, DefaultRecoveryRate, p.RecoveryRate())
	assert.False(t, p.Polling())
	assert.NoError(t, p.Shutdown(), "shutting down a poller that never started")
}

func TestPoller_SetRecoveryRate(t *testing.T) {
	r := newPollerRig(t, 0.5)
	for _, bad := range []float64{0, -0.1, 1.0000001, 7, math.NaN(), math.Inf(1)} {
		assert.True(t, errors.Is(r.poller.SetRecoveryRate(bad), ErrInvalidArgument), "rate %v", bad)
	}
	assert.Equal(t, 0.5, r.poller.RecoveryRate())
	for _, good := range []float64{1, 0.25, 1e-6} {
		require.NoError(t, r.poller.SetRecoveryRate(good))
		assert.Equal(t, good, r.poller.RecoveryRate())
	}
}

func TestPoller_AddRemove(t *testing.T) {
	r := newPollerRig(t, 1)
	r.addUnit(1, []byte{0x01})
	r.addUnit(2, nil)
	r.addUnit(2, nil)
	assert.Equal(t, []int{1, 2}, r.poller.Reviving())
	assert.Empty(t, r.poller.Active())

	r.cycles(t, 1) //unit 1 answers the recovery probe
	assert.Equal(t, []int{1}, r.poller.Active())
	assert.Equal(t, []int{2}, r.poller.Reviving())

	r.poller.AddUnitToPollingList(1) //re-adding demotes
	assert.Empty(t, r.poller.Active())
	assert.Equal(t, []int{2, 1}, r.poller.Reviving())

	r.poller.RemoveUnitFromPollingList(2)
	r.poller.RemoveUnitFromPollingList(2)
	r.poller.RemoveUnitFromPollingList(99)
	assert.Equal(t, []int{1}, r.poller.Reviving())
}

func TestPoller_RecoveryAccumulator(t *testing.T) {
	r := newPollerRig(t, 0.5)
	r.addUnit(4, nil)

	r.cycles(t, 1)
	assert.Equal(t, uint64(0), r.poller.Stats().RecoveryAttempts)
	assert.InDelta(t, 0.5, r.poller.Accumulator(), 1e-12)

	r.cycles(t, 1)
	assert.Equal(t, uint64(1), r.poller.Stats().RecoveryAttempts)
	assert.Equal(t, 0.0, r.poller.Accumulator())
	assert.Equal(t, []int{4}, r.poller.Reviving(), "a failed attempt goes back to the tail")
}

func TestPoller_RecoveryRates(t *testing.T) {
	for _, tc := range []struct {
		rate   float64
		cycles int
		want   uint64
	}{
		{rate: 1, cycles: 5, want: 5},
		{rate: 0.5, cycles: 5, want: 2},
		{rate: 0.1, cycles: 10, want: 1},
		{rate: 0.1, cycles: 30, want: 3},
		{rate: 0.3, cycles: 10, want: 2}, //crossings at cycle 4 and 8
		{rate: 0.2, cycles: 9, want: 1},
	} {
		r := newPollerRig(t, tc.rate)
		r.addUnit(1, nil)
		r.cycles(t, tc.cycles)
		assert.Equal(t, tc.want, r.poller.Stats().RecoveryAttempts, "rate %v over %d cycles", tc.rate, tc.cycles)
	}
}

func TestPoller_NoAccumulationWhenNothingToRevive(t *testing.T) {
	r := newPollerRig(t, 0.5)
	r.addUnit(1, []byte{0x00})
	r.poller.SetRecoveryRate(1)
	r.cycles(t, 1)
	require.Equal(t, []int{1}, r.poller.Active())
	require.NoError(t, r.poller.SetRecoveryRate(0.5))
	r.cycles(t, 3)
	assert.Equal(t, 0.0, r.poller.Accumulator())
	assert.Equal(t, uint64(1), r.poller.Stats().RecoveryAttempts)
}

func TestPoller_Recovery(t *testing.T) {
	r := newPollerRig(t, 1)
	r.store.SetInitMessages(3, [][]byte{InitMessage('M', 0, 0x01, 0x02)})
	r.addUnit(3, []byte{0x05, 0x80})

	r.cycles(t, 1)
	assert.Equal(t, []int{3}, r.poller.Active())
	assert.Empty(t, r.poller.Reviving())

	sent := r.bus.messages()
	require.GreaterOrEqual(t, len(sent), 2)
	assert.Equal(t, TypeInit, sent[0].Type(), "init goes out before the probe")
	assert.Equal(t, TypePoll, sent[1].Type())

	v, err := r.store.SensedBit(3, 0)
	require.NoError(t, err)
	assert.True(t, v)
	v, _ = r.store.SensedBit(3, 1)
	assert.False(t, v)
	v, _ = r.store.SensedBit(3, 15)
	assert.True(t, v)
	assert.Equal(t, []byte{0x05, 0x80}, r.store.Blob(3, int(TypeReceive)))

	s := r.poller.Stats()
	assert.Equal(t, uint64(1), s.RecoveryAttempts)
	assert.Equal(t, uint64(1), s.Recovered)
}

func TestPoller_ActivePolling(t *testing.T) {
	r := newPollerRig(t, 1)
	for u := 0; u < 3; u++ {
		r.addUnit(u, []byte{byte(u)})
	}
	r.cycles(t, 3) //one recovery per cycle
	require.ElementsMatch(t, []int{0, 1, 2}, r.poller.Active())

	before := r.poller.Stats().Polls
	r.cycles(t, 1)
	assert.Equal(t, before+3, r.poller.Stats().Polls, "every active unit once per cycle")

	r.bus.setInputs(1, 0xFF)
	r.cycles(t, 1)
	assert.Equal(t, "11111111", r.store.AllSensedBits(1).String())
}

func TestPoller_Demotion(t *testing.T) {
	r := newPollerRig(t, 1)
	r.addUnit(1, []byte{0x01})
	r.addUnit(2, []byte{0x02})
	r.cycles(t, 2)
	require.ElementsMatch(t, []int{1, 2}, r.poller.Active())

	r.bus.kill(1)
	r.bus.garbage[2] = true
	r.poller.SetRecoveryRate(1e-6) //keep revival out of the way
	r.cycles(t, 1)
	assert.Empty(t, r.poller.Active())
	assert.ElementsMatch(t, []int{1, 2}, r.poller.Reviving())
	assert.Equal(t, uint64(2), r.poller.Stats().Demotions)
	assertExclusive(t, r.poller)
}

func TestPoller_WrongAddressIsNoResponse(t *testing.T) {
	r := newPollerRig(t, 1)
	r.addUnit(5, []byte{0x01})
	r.bus.answerAs[5] = 6
	r.cycles(t, 2)
	assert.Empty(t, r.poller.Active())
	assert.Equal(t, []int{5}, r.poller.Reviving())
	assert.Equal(t, 0, r.store.AllSensedBits(6).Size())
	assert.Equal(t, 0, r.store.AllSensedBits(5).Size())
}

func TestPoller_EchoIsNoResponse(t *testing.T) {
	r := newPollerRig(t, 1)
	r.bus.echo = true
	r.addUnit(4, nil)
	r.cycles(t, 3)
	assert.Empty(t, r.poller.Active())
	assert.Equal(t, []int{4}, r.poller.Reviving())
	assert.Zero(t, r.poller.Stats().Responses)
	assert.Nil(t, r.store.Blob(4, int(TypePoll)))
}

func TestPoller_AnswerBehindEcho(t *testing.T) {
	r := newPollerRig(t, 1)
	r.bus.echo = true
	r.addUnit(3, []byte{0x01})
	r.cycles(t, 1) //revived, then polled
	assert.Equal(t, []int{3}, r.poller.Active())
	assert.Equal(t, uint64(2), r.poller.Stats().Responses)
	assert.Equal(t, []byte{0x01}, r.store.Blob(3, int(TypeReceive)))
	assert.Nil(t, r.store.Blob(3, int(TypePoll)))
}

func TestPoller_Reply(t *testing.T) {
	r := newPollerRig(t, 1)
	query := NodeMessage{Address: 2, Data: PollMessage()}
	frame := func(addr int, data ...byte) []byte {
		pkt, err := CMRI{}.Encode(NodeMessage{Address: addr, Data: data})
		require.NoError(t, err)
		return pkt
	}

	msg, err := r.poller.reply(query, frame(2, TypeReceive, 0x80))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80}, msg.Body())

	for name, rx := range map[string][]byte{
		"garbage":    {0xFF, 0x02, 0x41},
		"other unit": frame(3, TypeReceive, 0x80),
		"echo":       frame(2, TypePoll),
		"wrong type": frame(2, TypeTransmit, 0x01),
	} {
		_, err := r.poller.reply(query, rx)
		assert.True(t, errors.Is(err, ErrNoResponse), "%s: %v", name, err)
	}
}

func TestPoller_NoQueryMessage(t *testing.T) {
	r := newPollerRig(t, 1)
	r.bus.setInputs(7, 0x01)
	r.poller.AddUnitToPollingList(7) //never given a query
	r.cycles(t, 1)
	assert.Equal(t, []int{7}, r.poller.Reviving())
	assert.Empty(t, r.bus.messages())
}

func TestPoller_FatalChannelError(t *testing.T) {
	r := newPollerRig(t, 1)
	r.addUnit(1, []byte{0x01})
	r.cycles(t, 1)
	require.Equal(t, []int{1}, r.poller.Active())

	r.bus.fail(errors.New("usb serial vanished"))
	err := r.poller.cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usb serial vanished")
	assert.Equal(t, []int{1}, r.poller.Active(), "a channel failure is not the unit's fault")
}

func TestPoller_WorkerFatal(t *testing.T) {
	r := newPollerRig(t, 1)
	r.addUnit(1, nil)
	r.bus.fail(errors.New("port gone"))

	require.NoError(t, r.poller.SetPolling(true))
	select {
	case <-r.poller.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on a channel failure")
	}
	err := r.poller.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port gone")
	assert.False(t, r.poller.Polling())
	assert.Error(t, r.poller.SetPolling(true), "a dead worker cannot be resumed")
}

func TestPoller_Worker(t *testing.T) {
	r := newPollerRig(t, 1)
	r.addUnit(1, []byte{0x03})
	r.addUnit(2, []byte{0x0C})

	require.NoError(t, r.poller.SetPolling(true))
	assert.True(t, r.poller.Polling())
	require.Eventually(t, func() bool {
		return len(r.poller.Active()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "11000000", r.store.AllSensedBits(1).String())

	//pause keeps the queues
	require.NoError(t, r.poller.SetPolling(false))
	assert.False(t, r.poller.Polling())
	time.Sleep(20 * time.Millisecond)
	polls := r.poller.Stats().Polls
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, polls, r.poller.Stats().Polls, "a paused worker does no I/O")
	assert.Len(t, r.poller.Active(), 2)

	require.NoError(t, r.poller.SetPolling(true))
	require.Eventually(t, func() bool {
		return r.poller.Stats().Polls > polls
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, r.poller.Shutdown())
	assert.Less(t, time.Since(start), 500*time.Millisecond, "cooperative shutdown should not need escalation")
	assert.NoError(t, r.poller.Wait())
	assert.True(t, errors.Is(r.poller.SetPolling(true), ErrShutdown))
	assert.NoError(t, r.poller.Shutdown(), "second shutdown is a no-op")
}

//stuckArbiter blocks every Control until closed
type stuckArbiter struct {
	*Arb
	closed chan struct{}
}

func (s *stuckArbiter) Control(cmd Command) Response {
	<-s.closed
	return Response{Error: newErr(false, false, errors.New("closed under a stuck exchange"))}
}

func (s *stuckArbiter) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func TestPoller_ShutdownEscalates(t *testing.T) {
	arb, cancel := Arbitrate(context.Background(), newFakeBus())
	defer cancel()
	stuck := &stuckArbiter{Arb: arb, closed: make(chan struct{})}
	timeouts := NewTimeouts(1, nil)
	defer timeouts.ShutdownNow()

	store := NewStore[int](nil)
	store.SetQueryMessage(1, PollMessage())
	p, err := NewPoller(PollerConfig{
		Arbiter: stuck, Manager: CMRI{}, Store: store, Timeouts: timeouts,
		RecoveryRate: 1, JoinWait: 100 * time.Millisecond, Log: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	p.AddUnitToPollingList(1)
	require.NoError(t, p.SetPolling(true))
	time.Sleep(20 * time.Millisecond) //worker is now inside Control

	require.NoError(t, p.Shutdown())
	select {
	case <-stuck.closed:
	default:
		t.Error("shutdown should have closed the channel")
	}
	assert.NoError(t, p.Wait(), "errors caused by shutdown are not reported")
}

func TestPoller_Exclusivity(t *testing.T) {
	r := newPollerRig(t, 0.5)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		u := rng.Intn(6)
		switch rng.Intn(5) {
		case 0:
			r.addUnit(u, nil)
		case 1:
			r.addUnit(u, []byte{byte(i)})
		case 2:
			r.poller.RemoveUnitFromPollingList(u)
		case 3:
			r.bus.kill(u)
		default:
			r.cycles(t, 1)
		}
		assertExclusive(t, r.poller)
	}
}
