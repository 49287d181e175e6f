package bus1

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func connectedPeer(t *testing.T, d *Domain, poolSize uint64) *Peer {
	t.Helper()
	p := d.CreatePeer()
	if _, err := p.Connect(ConnectParams{Flags: ConnectFlagClient, PoolSize: poolSize}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return p
}

func payloadAt(t *testing.T, p *Peer, res RecvResult) []byte {
	t.Helper()
	info := p.info.Load()
	if info == nil {
		t.Fatalf("peer has no runtime state")
	}
	out := make([]byte, res.Size)
	copy(out, info.pool.buf[res.Offset:res.Offset+res.Size])
	return out
}

func TestConnectFlagValidation(t *testing.T) {
	d := NewDomain()
	p := d.CreatePeer()

	cases := []struct {
		name   string
		params ConnectParams
		want   error
	}{
		{"no mode", ConnectParams{}, ErrInvalidArgument},
		{"two modes", ConnectParams{Flags: ConnectFlagClient | ConnectFlagQuery, PoolSize: 4096}, ErrInvalidArgument},
		{"unknown flag", ConnectParams{Flags: 1 << 30}, ErrInvalidArgument},
		{"zero pool", ConnectParams{Flags: ConnectFlagClient}, ErrInvalidArgument},
		{"misaligned pool", ConnectParams{Flags: ConnectFlagClient, PoolSize: 4097}, ErrInvalidArgument},
		{"query before connect", ConnectParams{Flags: ConnectFlagQuery}, ErrNotConnected},
		{"reset before connect", ConnectParams{Flags: ConnectFlagReset}, ErrNotConnected},
	}
	for _, c := range cases {
		if _, err := p.Connect(c.params); !errors.Is(err, c.want) {
			t.Fatalf("%s: expected %v, got %v", c.name, c.want, err)
		}
	}

	if _, err := p.Connect(ConnectParams{Flags: ConnectFlagClient, PoolSize: 4096}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if _, err := p.Connect(ConnectParams{Flags: ConnectFlagClient, PoolSize: 4096}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if _, err := p.Connect(ConnectParams{Flags: ConnectFlagQuery, PoolSize: 4096}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("query with pool size: expected ErrInvalidArgument, got %v", err)
	}
}

func TestSimpleUnicast(t *testing.T) {
	d := NewDomain()
	a := connectedPeer(t, d, 4096)
	b := connectedPeer(t, d, 4096)

	payload := []byte("8 bytes!")
	if err := a.Send(SendParams{Destinations: []uint64{b.ID()}, Vecs: [][]byte{payload}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	res, err := b.Recv(RecvParams{})
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if res.Offset != 0 || res.Size != 8 || res.NFDs != 0 {
		t.Fatalf("unexpected recv result: %+v", res)
	}
	if res.Sender != a.ID() {
		t.Fatalf("wrong sender: %d", res.Sender)
	}
	if got := payloadAt(t, b, res); !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}

	if _, err := b.Recv(RecvParams{}); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock on drained queue, got %v", err)
	}

	if err := b.SliceRelease(res.Offset); err != nil {
		t.Fatalf("slice release failed: %v", err)
	}
	if err := b.SliceRelease(res.Offset); !errors.Is(err, ErrFault) {
		t.Fatalf("expected ErrFault on double release, got %v", err)
	}
}

func TestRecvPeekRepeats(t *testing.T) {
	d := NewDomain()
	a := connectedPeer(t, d, 4096)
	b := connectedPeer(t, d, 4096)

	if err := a.Send(SendParams{Destinations: []uint64{b.ID()}, Vecs: [][]byte{[]byte("peekme")}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	first, err := b.Recv(RecvParams{Flags: RecvFlagPeek})
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	second, err := b.Recv(RecvParams{Flags: RecvFlagPeek})
	if err != nil {
		t.Fatalf("second peek failed: %v", err)
	}
	if first.Offset != second.Offset || first.Size != second.Size {
		t.Fatalf("peek results differ: %+v vs %+v", first, second)
	}

	got, err := b.Recv(RecvParams{})
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if got.Offset != first.Offset {
		t.Fatalf("dequeue returned a different slice: %+v", got)
	}
	if _, err := b.Recv(RecvParams{Flags: RecvFlagPeek}); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock after dequeue, got %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	d := NewDomain()
	a := connectedPeer(t, d, 4096)
	b := connectedPeer(t, d, 4096)

	if err := a.Send(SendParams{Destinations: []uint64{b.ID()}, Flags: 1 << 20}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("bad flags: expected ErrInvalidArgument, got %v", err)
	}
	if err := a.Send(SendParams{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("no destinations: expected ErrInvalidArgument, got %v", err)
	}

	vecs := make([][]byte, VecMax+1)
	for i := range vecs {
		vecs[i] = []byte{0}
	}
	if err := a.Send(SendParams{Destinations: []uint64{b.ID()}, Vecs: vecs}); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("oversized vecs: expected ErrMessageTooLarge, got %v", err)
	}

	if err := a.Send(SendParams{Destinations: []uint64{9999}}); !errors.Is(err, ErrNoSuchPeer) {
		t.Fatalf("unknown destination: expected ErrNoSuchPeer, got %v", err)
	}
	var mc *MulticastError
	if err := a.Send(SendParams{Destinations: []uint64{9999}}); !errors.As(err, &mc) {
		t.Fatalf("expected *MulticastError, got %T", err)
	}
}

func TestSilentFlag(t *testing.T) {
	d := NewDomain()
	a := connectedPeer(t, d, 4096)
	b := connectedPeer(t, d, 4096)

	if err := a.Send(SendParams{Flags: SendFlagSilent, Destinations: []uint64{b.ID()}, Vecs: [][]byte{[]byte("sh")}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	res, err := b.Recv(RecvParams{})
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if !res.Silent {
		t.Fatalf("silent flag lost in delivery")
	}
}

func TestHandleTransfer(t *testing.T) {
	d := NewDomain()
	a := connectedPeer(t, d, 4096)
	b := connectedPeer(t, d, 4096)

	h, err := a.HandleCreate(42)
	if err != nil {
		t.Fatalf("handle create failed: %v", err)
	}

	if err := a.Send(SendParams{
		Flags:        SendFlagRelease,
		Destinations: []uint64{b.ID()},
		Vecs:         [][]byte{[]byte("cap!")},
		Handles:      []uint64{h},
	}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	res, err := b.Recv(RecvParams{})
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if res.NHandles != 1 {
		t.Fatalf("expected one transferred handle, got %d", res.NHandles)
	}
	if res.Size != 4+8 {
		t.Fatalf("expected payload plus handle id in the slice, size=%d", res.Size)
	}

	// The id stored in the slice resolves to the capability on the
	// receiver.
	raw := payloadAt(t, b, res)
	id := uint64(raw[4]) | uint64(raw[5])<<8 | uint64(raw[6])<<16 | uint64(raw[7])<<24 |
		uint64(raw[8])<<32 | uint64(raw[9])<<40 | uint64(raw[10])<<48 | uint64(raw[11])<<56
	binfo := b.info.Load()
	if cap, ok := binfo.handles.resolve(id); !ok || cap != 42 {
		t.Fatalf("installed handle %d does not resolve to capability 42", id)
	}

	// SendFlagRelease dropped the sender's entry.
	ainfo := a.info.Load()
	if _, ok := ainfo.handles.resolve(h); ok {
		t.Fatalf("sender handle survived a release send")
	}

	// Unknown sender handles fail the send up front.
	if err := a.Send(SendParams{Destinations: []uint64{b.ID()}, Handles: []uint64{h}}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for a dropped handle, got %v", err)
	}
}

func TestResetPreservesIdentity(t *testing.T) {
	d := NewDomain()
	a := connectedPeer(t, d, 4096)
	p := connectedPeer(t, d, 8192)

	for i := 0; i < 2; i++ {
		if err := a.Send(SendParams{Destinations: []uint64{p.ID()}, Vecs: [][]byte{[]byte("msg")}}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	if _, err := p.Recv(RecvParams{}); err != nil {
		t.Fatalf("recv failed: %v", err)
	}

	size, err := p.Connect(ConnectParams{Flags: ConnectFlagReset})
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if size != 8192 {
		t.Fatalf("reset reported pool size %d", size)
	}
	if size, err = p.Connect(ConnectParams{Flags: ConnectFlagQuery}); err != nil || size != 8192 {
		t.Fatalf("query after reset: size=%d err=%v", size, err)
	}

	if _, err := p.Recv(RecvParams{}); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("queue not empty after reset: %v", err)
	}

	// Fresh slices start at offset zero again.
	if err := a.Send(SendParams{Destinations: []uint64{p.ID()}, Vecs: [][]byte{[]byte("fresh")}}); err != nil {
		t.Fatalf("send after reset failed: %v", err)
	}
	res, err := p.Recv(RecvParams{})
	if err != nil {
		t.Fatalf("recv after reset failed: %v", err)
	}
	if res.Offset != 0 {
		t.Fatalf("expected offset 0 after reset, got %d", res.Offset)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	d := NewDomain()
	p := connectedPeer(t, d, 4096)

	const callers = 8
	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := p.Disconnect(); {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrShutdown):
			default:
				t.Errorf("unexpected disconnect error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one successful disconnect, got %d", successes.Load())
	}
	if _, err := p.Recv(RecvParams{}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown after disconnect, got %v", err)
	}
	if _, err := p.Connect(ConnectParams{Flags: ConnectFlagClient, PoolSize: 4096}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("reconnect after disconnect: expected ErrShutdown, got %v", err)
	}
}

func TestSendToDisconnectedPeer(t *testing.T) {
	d := NewDomain()
	a := connectedPeer(t, d, 4096)
	b := connectedPeer(t, d, 4096)

	if err := b.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if err := a.Send(SendParams{Destinations: []uint64{b.ID()}, Vecs: [][]byte{[]byte("x")}}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestRecvWaitWakesOnSend(t *testing.T) {
	d := NewDomain()
	a := connectedPeer(t, d, 4096)
	b := connectedPeer(t, d, 4096)

	type result struct {
		res RecvResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := b.RecvWait(context.Background(), RecvParams{})
		done <- result{res, err}
	}()

	time.Sleep(10 * time.Millisecond)
	if err := a.Send(SendParams{Destinations: []uint64{b.ID()}, Vecs: [][]byte{[]byte("wake")}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("blocked recv failed: %v", r.err)
		}
		if got := payloadAt(t, b, r.res); !bytes.Equal(got, []byte("wake")) {
			t.Fatalf("payload mismatch: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("receiver never woke up")
	}
}

func TestRecvWaitCancellation(t *testing.T) {
	d := NewDomain()
	b := connectedPeer(t, d, 4096)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.RecvWait(ctx, RecvParams{})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled receiver never returned")
	}
}

func TestConcurrentSendersOrdered(t *testing.T) {
	d := NewDomain()
	recv := connectedPeer(t, d, 1<<20)

	const senders = 4
	const perSender = 100

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		p := connectedPeer(t, d, 4096)
		wg.Add(1)
		go func(p *Peer, tag byte) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				msg := []byte{tag, byte(i)}
				if err := p.Send(SendParams{Destinations: []uint64{recv.ID()}, Vecs: [][]byte{msg}}); err != nil {
					t.Errorf("send failed: %v", err)
					return
				}
			}
		}(p, byte(s))
	}

	lastPerSender := make(map[byte]int)
	got := 0
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for got < senders*perSender {
		res, err := recv.RecvWait(ctx, RecvParams{})
		if err != nil {
			t.Fatalf("recv failed after %d messages: %v", got, err)
		}
		raw := payloadAt(t, recv, res)
		tag, seq := raw[0], int(raw[1])
		if last, ok := lastPerSender[tag]; ok && seq != last+1 {
			t.Fatalf("sender %d delivered out of order: %d after %d", tag, seq, last)
		}
		lastPerSender[tag] = seq
		if err := recv.SliceRelease(res.Offset); err != nil {
			t.Fatalf("slice release failed: %v", err)
		}
		got++
	}
	wg.Wait()

	if _, err := recv.Recv(RecvParams{}); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("unexpected extra message: %v", err)
	}
}
