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
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/sync"
)

// User-space layout for IPC tests.
const (
	msgBlockVA = memarch.VirtAddr(0x100000)
	recvBufVA  = memarch.VirtAddr(0x110000)
	sendBufVA  = memarch.VirtAddr(0x120000)
	userArea   = uint64(0x40000)
)

// ipcPeer is one side of an exchange: a process at a layer with one
// thread and a mapped user region.
type ipcPeer struct {
	proc   *Process
	thread *Thread
}

func newPeer(t *testing.T, k *Kernel, o sync.Owner, layer int) *ipcPeer {
	t.Helper()
	p := newProc(t, k, o, nil)
	for i := 0; i < layer; i++ {
		require.NoError(t, k.LayerUp(o, p))
	}
	mapUserBuffer(t, k, o, p, msgBlockVA, userArea)
	return &ipcPeer{proc: p, thread: k.AnyThread(o, p)}
}

// startReceive parks the peer's thread in msg-recv with the given type
// mask.
func startReceive(t *testing.T, k *Kernel, o sync.Owner, peer *ipcPeer, typeMask uint32) {
	t.Helper()
	info := &diosix.MsgInfo{
		Flags:       typeMask,
		Recv:        uint64(recvBufVA),
		RecvMaxSize: 1024,
	}
	require.NoError(t, k.MM.WriteMsgInfo(o, peer.proc.Space, msgBlockVA, info))

	k.Add(o, peer.thread.cpu, peer.thread)
	require.NoError(t, k.Recv(o, peer.thread, msgBlockVA))
	require.Equal(t, WaitingForMsg, peer.thread.State(o))
}

// startSend writes a payload and control block and fires Send.
func startSend(t *testing.T, k *Kernel, o sync.Owner, peer *ipcPeer, info *diosix.MsgInfo, payload []byte) error {
	t.Helper()
	if payload != nil {
		require.NoError(t, k.MM.CopyToUser(o, peer.proc.Space, sendBufVA, payload))
	}
	// A non-reply send always declares where its reply may land.
	if info.Flags&diosix.MsgReply == 0 && info.RecvMaxSize == 0 {
		info.Recv = uint64(recvBufVA)
		info.RecvMaxSize = 1024
	}
	require.NoError(t, k.MM.WriteMsgInfo(o, peer.proc.Space, msgBlockVA, info))
	k.Add(o, peer.thread.cpu, peer.thread)
	return k.Send(o, peer.thread, msgBlockVA)
}

func TestSendDeliversPayload(t *testing.T) {
	k, _, o := testKernel(t, 1)
	recv := newPeer(t, k, o, 2)
	send := newPeer(t, k, o, 5)

	startReceive(t, k, o, recv, diosix.MsgGeneric)

	payload := []byte("knock knock")
	err := startSend(t, k, o, send, &diosix.MsgInfo{
		PID:      recv.proc.PID(),
		Flags:    diosix.MsgGeneric,
		Send:     uint64(sendBufVA),
		SendSize: uint32(len(payload)),
	}, payload)
	require.NoError(t, err)

	// The receiver woke with the data in its buffer and the sender's
	// identity in its control block.
	assert.Equal(t, InRunQueue, recv.thread.State(o))
	rmsg, err := k.MM.ReadMsgInfo(o, recv.proc.Space, msgBlockVA)
	require.NoError(t, err)
	assert.Equal(t, send.proc.PID(), rmsg.PID)
	assert.Equal(t, uint32(len(payload)), rmsg.RecvSize)

	got := make([]byte, len(payload))
	require.NoError(t, k.MM.CopyFromUser(o, recv.proc.Space, recvBufVA, got))
	assert.Equal(t, payload, got)

	// The sender blocked awaiting the reply.
	assert.Equal(t, WaitingForReply, send.thread.State(o))
	assert.Equal(t, recv.thread, send.thread.replySource)
}

// TestPriorityInheritance plays the literal scenario: a priority-10
// sender in layer 5 messages a priority-15 receiver in layer 2. The
// receiver runs with the granted priority until its reply clears it.
func TestPriorityInheritance(t *testing.T) {
	k, _, o := testKernel(t, 1)
	recv := newPeer(t, k, o, 2)
	send := newPeer(t, k, o, 5)
	recv.thread.setPriorityForTest(15)
	send.thread.setPriorityForTest(10)

	startReceive(t, k, o, recv, diosix.MsgGeneric)

	payload := []byte("work for you")
	require.NoError(t, startSend(t, k, o, send, &diosix.MsgInfo{
		PID:      recv.proc.PID(),
		Flags:    diosix.MsgGeneric,
		Send:     uint64(sendBufVA),
		SendSize: uint32(len(payload)),
	}, payload))

	// Sender waits for the reply; receiver carries the granted priority
	// and is enqueued at it.
	assert.Equal(t, WaitingForReply, send.thread.State(o))
	assert.Equal(t, uint8(10), recv.thread.GrantedPriority(o))
	level, queued := recv.thread.queueLevelForTest()
	require.True(t, queued)
	assert.Equal(t, uint8(10), level)

	// The receiver replies.
	require.NoError(t, k.MM.CopyToUser(o, recv.proc.Space, sendBufVA, []byte("done")))
	reply := &diosix.MsgInfo{
		PID:      send.proc.PID(),
		TID:      send.thread.TID(),
		Flags:    diosix.MsgGeneric | diosix.MsgReply,
		Send:     uint64(sendBufVA),
		SendSize: 4,
	}
	require.NoError(t, k.MM.WriteMsgInfo(o, recv.proc.Space, msgBlockVA, reply))
	require.NoError(t, k.Send(o, recv.thread, msgBlockVA))

	// The grant is discharged and the original sender is runnable
	// again.
	assert.Equal(t, uint8(PriorityInvalid), recv.thread.GrantedPriority(o))
	assert.Equal(t, InRunQueue, send.thread.State(o))

	// Re-enqueued, the receiver sits at its own priority again.
	k.Remove(o, recv.thread, Held)
	k.Add(o, recv.thread.cpu, recv.thread)
	level, queued = recv.thread.queueLevelForTest()
	require.True(t, queued)
	assert.Equal(t, uint8(15), level)
}

func TestReplyToNonWaiterFails(t *testing.T) {
	k, _, o := testKernel(t, 1)
	recv := newPeer(t, k, o, 2)
	send := newPeer(t, k, o, 5)

	startReceive(t, k, o, recv, diosix.MsgGeneric)

	// recv.thread waits for a message, not a reply from send.
	err := startSend(t, k, o, send, &diosix.MsgInfo{
		PID:      recv.proc.PID(),
		TID:      recv.thread.TID(),
		Flags:    diosix.MsgGeneric | diosix.MsgReply,
		Send:     uint64(sendBufVA),
		SendSize: 4,
	}, []byte("oops"))
	assert.Equal(t, diosix.ErrNoReceiver, err)
}

func TestSendUpLayersFails(t *testing.T) {
	k, _, o := testKernel(t, 1)
	// Receiver sits in a *higher* layer number than the sender: messages
	// must not flow up.
	recv := newPeer(t, k, o, 5)
	send := newPeer(t, k, o, 2)

	startReceive(t, k, o, recv, diosix.MsgGeneric)

	err := startSend(t, k, o, send, &diosix.MsgInfo{
		PID:      recv.proc.PID(),
		Flags:    diosix.MsgGeneric,
		Send:     uint64(sendBufVA),
		SendSize: 4,
	}, []byte("down"))
	assert.Equal(t, diosix.ErrNoReceiver, err)
}

func TestOversizeMessageRejected(t *testing.T) {
	k, _, o := testKernel(t, 1)
	recv := newPeer(t, k, o, 2)
	send := newPeer(t, k, o, 5)

	startReceive(t, k, o, recv, diosix.MsgGeneric)

	// Bigger than the receiver's declared maximum.
	err := startSend(t, k, o, send, &diosix.MsgInfo{
		PID:      recv.proc.PID(),
		Flags:    diosix.MsgGeneric,
		Send:     uint64(sendBufVA),
		SendSize: 2048,
	}, nil)
	assert.Equal(t, diosix.ErrTooBig, err)

	// The receiver stays parked and its buffer untouched.
	assert.Equal(t, WaitingForMsg, recv.thread.State(o))
}

func TestMultipartAllOrNothing(t *testing.T) {
	k, _, o := testKernel(t, 1)
	recv := newPeer(t, k, o, 2)
	send := newPeer(t, k, o, 5)

	startReceive(t, k, o, recv, diosix.MsgGeneric)

	// Two parts: the second blows the receiver's max. Nothing may be
	// copied.
	partData := memarch.VirtAddr(0x130000)
	require.NoError(t, k.MM.CopyToUser(o, send.proc.Space, partData, []byte("part one")))

	parts := make([]byte, 2*diosix.MultipartSize)
	(&diosix.Multipart{Size: 8, Data: uint64(partData)}).Encode(parts[0:])
	(&diosix.Multipart{Size: 4096, Data: uint64(partData)}).Encode(parts[diosix.MultipartSize:])
	require.NoError(t, k.MM.CopyToUser(o, send.proc.Space, sendBufVA, parts))

	before := make([]byte, 16)
	require.NoError(t, k.MM.CopyFromUser(o, recv.proc.Space, recvBufVA, before))

	err := startSend(t, k, o, send, &diosix.MsgInfo{
		PID:      recv.proc.PID(),
		Flags:    diosix.MsgGeneric | diosix.MsgMultipart,
		Send:     uint64(sendBufVA),
		SendSize: 2, // number of multipart entries
	}, nil)
	assert.Equal(t, diosix.ErrTooBig, err)

	after := make([]byte, 16)
	require.NoError(t, k.MM.CopyFromUser(o, recv.proc.Space, recvBufVA, after))
	assert.Equal(t, before, after)
}

func TestMultipartDelivery(t *testing.T) {
	k, _, o := testKernel(t, 1)
	recv := newPeer(t, k, o, 2)
	send := newPeer(t, k, o, 5)

	startReceive(t, k, o, recv, diosix.MsgGeneric)

	partData := memarch.VirtAddr(0x130000)
	require.NoError(t, k.MM.CopyToUser(o, send.proc.Space, partData, []byte("firstsecond")))

	parts := make([]byte, 2*diosix.MultipartSize)
	(&diosix.Multipart{Size: 5, Data: uint64(partData)}).Encode(parts[0:])
	(&diosix.Multipart{Size: 6, Data: uint64(partData) + 5}).Encode(parts[diosix.MultipartSize:])
	require.NoError(t, k.MM.CopyToUser(o, send.proc.Space, sendBufVA, parts))

	require.NoError(t, startSend(t, k, o, send, &diosix.MsgInfo{
		PID:      recv.proc.PID(),
		Flags:    diosix.MsgGeneric | diosix.MsgMultipart,
		Send:     uint64(sendBufVA),
		SendSize: 2,
	}, nil))

	got := make([]byte, 11)
	require.NoError(t, k.MM.CopyFromUser(o, recv.proc.Space, recvBufVA, got))
	assert.Equal(t, []byte("firstsecond"), got)
}

func TestQueueMeParksSender(t *testing.T) {
	k, _, o := testKernel(t, 1)
	recv := newPeer(t, k, o, 2)
	send := newPeer(t, k, o, 5)

	// Nobody is receiving yet: a queue-me send parks the sender.
	err := startSend(t, k, o, send, &diosix.MsgInfo{
		PID:      recv.proc.PID(),
		Flags:    diosix.MsgGeneric | diosix.MsgQueueMe,
		Send:     uint64(sendBufVA),
		SendSize: 4,
	}, []byte("wait"))
	require.NoError(t, err)
	assert.Equal(t, WaitingForMsg, send.thread.State(o))
	assert.Equal(t, uint64(1), recv.proc.queuedSenderCountForTest())

	// The target entering receive drains the parked sender back into
	// the queues for a retry.
	startReceive(t, k, o, recv, diosix.MsgGeneric)
	assert.Equal(t, uint64(0), recv.proc.queuedSenderCountForTest())
	assert.Equal(t, InRunQueue, send.thread.State(o))
}
