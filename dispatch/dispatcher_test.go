package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"wirelink/codec"
	"wirelink/message"
	"wirelink/protocol"
)

type sentReply struct {
	txid    uint32
	ordinal uint64
	payload []byte
}

// fakeSink records everything a completer sends.
type fakeSink struct {
	mu       sync.Mutex
	replies  []sentReply
	epitaphs []int32
}

func (s *fakeSink) SendReply(txid uint32, ordinal uint64, payload []byte, handles []message.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, sentReply{txid, ordinal, payload})
	message.CloseHandles(handles)
	return nil
}

func (s *fakeSink) SendEpitaph(status int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epitaphs = append(s.epitaphs, status)
	return nil
}

type echoReq struct {
	Text string
}

type echoResp struct {
	Text string
}

func decodeEcho(cdc codec.Codec, payload []byte) (any, error) {
	req := &echoReq{}
	if err := cdc.Decode(payload, req); err != nil {
		return nil, err
	}
	return req, nil
}

const (
	ordEcho  uint64 = 100
	ordPing  uint64 = 200
	ordShout uint64 = 300
)

// testImpl counts invocations per method so tests can verify exactly-once
// routing.
type testImpl struct {
	mu      sync.Mutex
	calls   map[string]int
	unknown []UnknownMethodInfo
}

func newTestImpl() *testImpl {
	return &testImpl{calls: make(map[string]int)}
}

func (t *testImpl) record(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[name]++
}

func (t *testImpl) UnknownMethod(ctx context.Context, info UnknownMethodInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unknown = append(t.unknown, info)
}

func testMethods() []Method {
	return []Method{
		{
			Ordinal: ordEcho,
			Name:    "Echo",
			Kind:    TwoWay,
			Decode:  decodeEcho,
			Invoke: func(ctx context.Context, impl any, req any, c *Completer) {
				impl.(*testImpl).record("Echo")
				c.Reply(&echoResp{Text: req.(*echoReq).Text})
			},
		},
		{
			Ordinal: ordPing,
			Name:    "Ping",
			Kind:    OneWay,
			Decode:  decodeEcho,
			Invoke: func(ctx context.Context, impl any, req any, c *Completer) {
				impl.(*testImpl).record("Ping")
			},
		},
		{
			Ordinal: ordShout,
			Name:    "Shout",
			Kind:    TwoWay,
			Decode:  decodeEcho,
			Invoke: func(ctx context.Context, impl any, req any, c *Completer) {
				impl.(*testImpl).record("Shout")
				c.Reply(&echoResp{Text: req.(*echoReq).Text + "!"})
			},
		},
	}
}

func newTestDispatcher(t *testing.T, mode Mode, impl *testImpl) *Dispatcher {
	t.Helper()
	table, err := NewTable("Echoer", mode, testMethods()...)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	d, err := NewDispatcher(table, impl, &codec.JSONCodec{})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	return d
}

func envelopeFor(t *testing.T, ordinal uint64, txid uint32, req any, handles ...message.Handle) *message.Envelope {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return message.New(protocol.Header{
		Txid:    txid,
		Ordinal: ordinal,
		BodyLen: uint32(len(payload)),
	}, payload, handles)
}

func TestOrdinalRoundTrip(t *testing.T) {
	// Every registered ordinal routes to exactly its own handler, once.
	impl := newTestImpl()
	d := newTestDispatcher(t, Strict, impl)
	sink := &fakeSink{}

	if err := d.Dispatch(context.Background(), envelopeFor(t, ordEcho, 1, &echoReq{Text: "a"}), sink); err != nil {
		t.Fatalf("Dispatch Echo failed: %v", err)
	}
	if err := d.Dispatch(context.Background(), envelopeFor(t, ordPing, 0, &echoReq{Text: "b"}), sink); err != nil {
		t.Fatalf("Dispatch Ping failed: %v", err)
	}
	if err := d.Dispatch(context.Background(), envelopeFor(t, ordShout, 2, &echoReq{Text: "c"}), sink); err != nil {
		t.Fatalf("Dispatch Shout failed: %v", err)
	}

	if impl.calls["Echo"] != 1 || impl.calls["Ping"] != 1 || impl.calls["Shout"] != 1 {
		t.Errorf("expected each handler invoked once, got %v", impl.calls)
	}
	if len(sink.replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(sink.replies))
	}
	if sink.replies[0].txid != 1 || sink.replies[1].txid != 2 {
		t.Errorf("reply txids not preserved: %+v", sink.replies)
	}
}

func TestUnknownOrdinalStrict(t *testing.T) {
	impl := newTestImpl()
	d := newTestDispatcher(t, Strict, impl)
	sink := &fakeSink{}

	h := &message.FakeHandle{}
	env := envelopeFor(t, 0xdead, 9, &echoReq{}, h)
	err := d.Dispatch(context.Background(), env, sink)
	if !errors.Is(err, ErrUnknownOrdinal) {
		t.Fatalf("expected ErrUnknownOrdinal, got %v", err)
	}
	if StatusForError(err) != protocol.StatusNotSupported {
		t.Errorf("expected StatusNotSupported mapping, got %d", StatusForError(err))
	}
	if len(impl.calls) != 0 {
		t.Errorf("expected zero handler invocations, got %v", impl.calls)
	}
	if h.Closes() != 1 {
		t.Errorf("expected the orphaned handle closed once, got %d", h.Closes())
	}
}

func TestUnknownOrdinalFlexible(t *testing.T) {
	impl := newTestImpl()
	d := newTestDispatcher(t, Flexible, impl)
	sink := &fakeSink{}

	// Two-way unknown ordinal
	if err := d.Dispatch(context.Background(), envelopeFor(t, 0xdead, 9, &echoReq{}), sink); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	// One-way unknown ordinal
	if err := d.Dispatch(context.Background(), envelopeFor(t, 0xbeef, 0, &echoReq{}), sink); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(impl.unknown) != 2 {
		t.Fatalf("expected 2 unknown-method invocations, got %d", len(impl.unknown))
	}
	if impl.unknown[0].Ordinal != 0xdead || impl.unknown[0].Kind != TwoWay {
		t.Errorf("unexpected first unknown info: %+v", impl.unknown[0])
	}
	if impl.unknown[1].Ordinal != 0xbeef || impl.unknown[1].Kind != OneWay {
		t.Errorf("unexpected second unknown info: %+v", impl.unknown[1])
	}
}

func TestFlexibleRequiresUnknownMethodHandler(t *testing.T) {
	table, err := NewTable("Echoer", Flexible, testMethods()...)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if _, err := NewDispatcher(table, struct{}{}, &codec.JSONCodec{}); err == nil {
		t.Fatal("expected error: flexible table with no UnknownMethodHandler")
	}
}

func TestTryDispatchLeavesEnvelopeIntact(t *testing.T) {
	impl := newTestImpl()
	d := newTestDispatcher(t, Strict, impl)
	sink := &fakeSink{}

	h := &message.FakeHandle{}
	env := envelopeFor(t, 0xdead, 1, &echoReq{}, h)

	outcome, err := d.TryDispatch(context.Background(), env, sink)
	if err != nil {
		t.Fatalf("TryDispatch failed: %v", err)
	}
	if outcome != NotFound {
		t.Fatalf("expected NotFound, got %v", outcome)
	}
	if env.HandleCount() != 1 || h.Closes() != 0 {
		t.Errorf("envelope must be intact after NotFound: count=%d closes=%d", env.HandleCount(), h.Closes())
	}
	env.Discard()
}

func TestChainFallsBackToSecondTable(t *testing.T) {
	impl := newTestImpl()
	first := newTestDispatcher(t, Strict, impl)

	const ordExtra uint64 = 9000
	extraTable, err := NewTable("Extras", Strict, Method{
		Ordinal: ordExtra,
		Name:    "Extra",
		Kind:    OneWay,
		Decode:  decodeEcho,
		Invoke: func(ctx context.Context, impl any, req any, c *Completer) {
			impl.(*testImpl).record("Extra")
		},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	second, err := NewDispatcher(extraTable, impl, &codec.JSONCodec{})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	chain := Chain{first, second}
	sink := &fakeSink{}

	// Handled by the first table.
	if err := chain.Dispatch(context.Background(), envelopeFor(t, ordEcho, 1, &echoReq{Text: "x"}), sink); err != nil {
		t.Fatalf("chain Dispatch failed: %v", err)
	}
	// Falls through to the composed table.
	if err := chain.Dispatch(context.Background(), envelopeFor(t, ordExtra, 0, &echoReq{}), sink); err != nil {
		t.Fatalf("chain Dispatch failed: %v", err)
	}
	// Unknown everywhere: the terminal strict table rejects it.
	err = chain.Dispatch(context.Background(), envelopeFor(t, 0xdead, 2, &echoReq{}), sink)
	if !errors.Is(err, ErrUnknownOrdinal) {
		t.Fatalf("expected ErrUnknownOrdinal from terminal table, got %v", err)
	}

	if impl.calls["Echo"] != 1 || impl.calls["Extra"] != 1 {
		t.Errorf("unexpected invocation counts: %v", impl.calls)
	}
}

func TestDecodeFailureClosesAllHandles(t *testing.T) {
	impl := newTestImpl()
	d := newTestDispatcher(t, Strict, impl)
	sink := &fakeSink{}

	h1, h2 := &message.FakeHandle{}, &message.FakeHandle{}
	env := message.New(protocol.Header{Txid: 1, Ordinal: ordEcho}, []byte("{not json"), []message.Handle{h1, h2})

	err := d.Dispatch(context.Background(), env, sink)
	var ce *CodingError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CodingError, got %v", err)
	}
	if h1.Closes() != 1 || h2.Closes() != 1 {
		t.Errorf("expected exactly 2 handles closed once each, got %d and %d", h1.Closes(), h2.Closes())
	}
	if len(impl.calls) != 0 {
		t.Errorf("expected zero handler invocations, got %v", impl.calls)
	}
}

func TestKindMismatchIsCodingError(t *testing.T) {
	impl := newTestImpl()
	d := newTestDispatcher(t, Strict, impl)
	sink := &fakeSink{}

	// Echo is two-way, but txid 0 claims one-way.
	err := d.Dispatch(context.Background(), envelopeFor(t, ordEcho, 0, &echoReq{}), sink)
	var ce *CodingError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CodingError, got %v", err)
	}
	if len(impl.calls) != 0 {
		t.Errorf("expected zero handler invocations, got %v", impl.calls)
	}
}

func TestUnexpectedHandlesAreCodingError(t *testing.T) {
	impl := newTestImpl()
	d := newTestDispatcher(t, Strict, impl)
	sink := &fakeSink{}

	h := &message.FakeHandle{}
	err := d.Dispatch(context.Background(), envelopeFor(t, ordPing, 0, &echoReq{}, h), sink)
	var ce *CodingError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CodingError, got %v", err)
	}
	if h.Closes() != 1 {
		t.Errorf("expected unexpected handle closed once, got %d", h.Closes())
	}
}

func TestAbandonedTwoWayStrict(t *testing.T) {
	impl := newTestImpl()
	table, err := NewTable("Broken", Strict, Method{
		Ordinal: 7,
		Name:    "Forgets",
		Kind:    TwoWay,
		Decode:  decodeEcho,
		Invoke: func(ctx context.Context, impl any, req any, c *Completer) {
			// Returns without Reply, Close, or Detach.
		},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	d, err := NewDispatcher(table, impl, &codec.JSONCodec{})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	err = d.Dispatch(context.Background(), envelopeFor(t, 7, 3, &echoReq{}), &fakeSink{})
	if !errors.Is(err, ErrAbandonedCall) {
		t.Fatalf("expected ErrAbandonedCall, got %v", err)
	}
	if StatusForError(err) != protocol.StatusBadState {
		t.Errorf("expected StatusBadState mapping, got %d", StatusForError(err))
	}
}

func TestTableRejectsReservedAndDuplicateOrdinals(t *testing.T) {
	mk := func(ord uint64) Method {
		return Method{Ordinal: ord, Name: "M", Kind: OneWay, Decode: decodeEcho,
			Invoke: func(ctx context.Context, impl any, req any, c *Completer) {}}
	}

	if _, err := NewTable("P", Strict, mk(protocol.OrdinalEpitaph)); err == nil {
		t.Error("expected error for epitaph ordinal")
	}
	if _, err := NewTable("P", Strict, mk(0)); err == nil {
		t.Error("expected error for ordinal zero")
	}
	if _, err := NewTable("P", Strict, mk(5), mk(5)); err == nil {
		t.Error("expected error for duplicate ordinal")
	}
}

func TestMethodOrdinalAvoidsReservedValues(t *testing.T) {
	ord := MethodOrdinal("Arith", "Add")
	if ord == 0 || ord == protocol.OrdinalEpitaph {
		t.Fatalf("derived ordinal collides with a reserved value: %#x", ord)
	}
	if ord&(1<<63) != 0 {
		t.Errorf("derived ordinal must have the top bit clear: %#x", ord)
	}
	if ord != MethodOrdinal("Arith", "Add") {
		t.Error("ordinal derivation must be stable")
	}
}
