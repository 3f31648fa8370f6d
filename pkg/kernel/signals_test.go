// Copyright 2024 The Diosix Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diodesign/diosix/pkg/abi/diosix"
)

func TestSignalAcceptMasks(t *testing.T) {
	k, _, o := testKernel(t, 1)
	p := newProc(t, k, o, nil)

	// Nothing accepted: delivery is refused outright.
	assert.Equal(t, diosix.ErrNoHandler, k.SendSignal(o, p, nil, diosix.SIGTERM, 0))

	k.SetSignalMask(o, p, false, diosix.SigAcceptUnix(diosix.SIGTERM))
	require.NoError(t, k.SendSignal(o, p, nil, diosix.SIGTERM, 0))
	assert.Equal(t, uint64(1), k.QueuedSignals(o, p))

	// The kernel range has its own mask.
	assert.Equal(t, diosix.ErrNoHandler, k.SendSignal(o, p, nil, diosix.SIGXIRQ, 9))
	k.SetSignalMask(o, p, true, diosix.SigAcceptKernel(diosix.SIGXIRQ))
	require.NoError(t, k.SendSignal(o, p, nil, diosix.SIGXIRQ, 9))
	assert.Equal(t, uint64(2), k.QueuedSignals(o, p))
}

func TestUnixSignalNeedsRight(t *testing.T) {
	k, _, o := testKernel(t, 1)
	target := newProc(t, k, o, nil)
	k.SetSignalMask(o, target, false, ^uint32(0))

	sender := newProc(t, k, o, nil)
	senderThread := k.AnyThread(o, sender)

	// No CanUnixSignal right: refused.
	assert.Equal(t, diosix.ErrNoRights, k.SendSignal(o, target, senderThread, diosix.SIGUSR1, 0))

	k.GrantBootRights(o, sender)
	require.NoError(t, k.SendSignal(o, target, senderThread, diosix.SIGUSR1, 0))
}

// TestAlarm is the alarm scenario: a thread asks for SIGALRM in 100
// ticks; with no receiver ready the signal lands in the pool; alarm(0)
// cancels a pending timer.
func TestAlarm(t *testing.T) {
	k, _, o := testKernel(t, 1)
	p := newProc(t, k, o, nil)
	k.SetSignalMask(o, p, false, diosix.SigAcceptUnix(diosix.SIGALRM))
	thread := k.AnyThread(o, p)
	k.Add(o, 0, thread)

	require.NoError(t, k.AddSnoozer(o, thread, 100, SnoozeSignal))

	// An alarm does not put the caller to sleep.
	assert.Equal(t, InRunQueue, thread.State(o))

	for i := 0; i < 99; i++ {
		k.Tick(0)
	}
	assert.Equal(t, uint64(0), k.QueuedSignals(o, p))
	k.Tick(0)

	// 100 ticks later SIGALRM is recorded in the pool.
	assert.Equal(t, uint64(1), k.QueuedSignals(o, p))
	assert.Equal(t, uint64(0), k.SleepingTimers())

	// A fresh alarm cancelled with zero ticks never fires.
	require.NoError(t, k.AddSnoozer(o, thread, 50, SnoozeSignal))
	require.NoError(t, k.AddSnoozer(o, thread, 0, SnoozeSignal))
	for i := 0; i < 60; i++ {
		k.Tick(0)
	}
	assert.Equal(t, uint64(1), k.QueuedSignals(o, p))
}

func TestGroupSignal(t *testing.T) {
	k, _, o := testKernel(t, 1)

	var members []*Process
	for i := 0; i < 3; i++ {
		p := newProc(t, k, o, nil)
		k.SetSignalMask(o, p, false, diosix.SigAcceptUnix(diosix.SIGHUP))
		require.NoError(t, k.SetProcessGroupID(o, p, 0)) // own group first
		members = append(members, p)
	}
	// Herd everyone into the first member's group.
	require.NoError(t, k.SetProcessGroupID(o, members[1], members[0].PID()))
	require.NoError(t, k.SetProcessGroupID(o, members[2], members[0].PID()))

	outsider := newProc(t, k, o, nil)
	k.SetSignalMask(o, outsider, false, diosix.SigAcceptUnix(diosix.SIGHUP))
	require.NoError(t, k.SetProcessGroupID(o, outsider, 0))

	require.NoError(t, k.SendGroupSignal(o, members[0].PID(), nil, diosix.SIGHUP, 0))
	for _, p := range members {
		assert.Equal(t, uint64(1), k.QueuedSignals(o, p))
	}
	assert.Equal(t, uint64(0), k.QueuedSignals(o, outsider))
}

func TestQueuedSignalDeliveredOnRecv(t *testing.T) {
	k, _, o := testKernel(t, 1)
	peer := newPeer(t, k, o, 2)
	k.SetSignalMask(o, peer.proc, false, diosix.SigAcceptUnix(diosix.SIGTERM))

	require.NoError(t, k.SendSignal(o, peer.proc, nil, diosix.SIGTERM, 7))
	require.Equal(t, uint64(1), k.QueuedSignals(o, peer.proc))

	// Entering receive with a signal-accepting mask takes the recorded
	// signal immediately instead of blocking.
	info := &diosix.MsgInfo{
		Flags:       diosix.MsgSignal,
		Recv:        uint64(recvBufVA),
		RecvMaxSize: 64,
	}
	require.NoError(t, k.MM.WriteMsgInfo(o, peer.proc.Space, msgBlockVA, info))
	k.Add(o, peer.thread.cpu, peer.thread)
	require.NoError(t, k.Recv(o, peer.thread, msgBlockVA))

	assert.Equal(t, InRunQueue, peer.thread.State(o))
	assert.Equal(t, uint64(0), k.QueuedSignals(o, peer.proc))

	rmsg, err := k.MM.ReadMsgInfo(o, peer.proc.Space, msgBlockVA)
	require.NoError(t, err)
	assert.Equal(t, uint32(diosix.SIGTERM), rmsg.Signal.Number)
	assert.Equal(t, uint32(7), rmsg.Signal.Extra)
}

func TestSignalWakesBlockedReceiver(t *testing.T) {
	k, _, o := testKernel(t, 1)
	peer := newPeer(t, k, o, 2)
	k.SetSignalMask(o, peer.proc, false, diosix.SigAcceptUnix(diosix.SIGUSR2))

	startReceive(t, k, o, peer, diosix.MsgSignal)

	require.NoError(t, k.SendSignal(o, peer.proc, nil, diosix.SIGUSR2, 42))

	// The blocked thread woke and its control block names the signal.
	assert.Equal(t, InRunQueue, peer.thread.State(o))
	rmsg, err := k.MM.ReadMsgInfo(o, peer.proc.Space, msgBlockVA)
	require.NoError(t, err)
	assert.Equal(t, uint32(diosix.SIGUSR2), rmsg.Signal.Number)
	assert.Equal(t, uint32(42), rmsg.Signal.Extra)
	assert.Equal(t, uint64(0), k.QueuedSignals(o, peer.proc))
}

func TestFaultLoopKillsProcess(t *testing.T) {
	k, _, o := testKernel(t, 1)
	newExecutive(t, k, o)

	p := newProc(t, k, o, nil)
	k.SetSignalMask(o, p, false, diosix.SigAcceptUnix(diosix.SIGSEGV))

	// First SIGSEGV is delivered to a waiting handler thread, marking it
	// in progress.
	mapUserBuffer(t, k, o, p, msgBlockVA, userArea)
	handler := k.AnyThread(o, p)
	info := &diosix.MsgInfo{
		Flags:       diosix.MsgSignal,
		Recv:        uint64(recvBufVA),
		RecvMaxSize: 64,
	}
	require.NoError(t, k.MM.WriteMsgInfo(o, p.Space, msgBlockVA, info))
	k.Add(o, handler.cpu, handler)
	require.NoError(t, k.Recv(o, handler, msgBlockVA))
	require.NoError(t, k.SendSignal(o, p, nil, diosix.SIGSEGV, 0))

	// A second SIGSEGV while the first is still in progress kills the
	// process instead of looping.
	require.NoError(t, k.SendSignal(o, p, nil, diosix.SIGSEGV, 0))
	assert.Nil(t, k.FindProcess(o, p.PID()))
}
