package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"wirelink/codec"
	"wirelink/message"
	"wirelink/protocol"
)

type AddArgs struct {
	A, B int
}

type AddReply struct {
	Sum int
}

type NoteArgs struct {
	Text string
}

type Arith struct {
	notes atomic.Int32
}

func (a *Arith) Add(args *AddArgs, reply *AddReply) error {
	reply.Sum = args.A + args.B
	return nil
}

// Note is one-way: no reply parameter.
func (a *Arith) Note(args *NoteArgs) error {
	a.notes.Add(1)
	return nil
}

// Helper is not an RPC method (wrong signature) and must be skipped.
func (a *Arith) Helper() {}

func TestTableFromReceiver(t *testing.T) {
	impl := &Arith{}
	table, err := TableFromReceiver(Strict, impl)
	if err != nil {
		t.Fatalf("TableFromReceiver failed: %v", err)
	}
	if table.Name() != "Arith" {
		t.Errorf("expected protocol name Arith, got %s", table.Name())
	}

	add, ok := table.Lookup(MethodOrdinal("Arith", "Add"))
	if !ok {
		t.Fatal("Add not found in table")
	}
	if add.Kind != TwoWay {
		t.Errorf("Add should be two-way, got %v", add.Kind)
	}

	note, ok := table.Lookup(MethodOrdinal("Arith", "Note"))
	if !ok {
		t.Fatal("Note not found in table")
	}
	if note.Kind != OneWay {
		t.Errorf("Note should be one-way, got %v", note.Kind)
	}

	if _, ok := table.Lookup(MethodOrdinal("Arith", "Helper")); ok {
		t.Error("Helper must not be registered")
	}
}

func TestReflectedDispatchEndToEnd(t *testing.T) {
	impl := &Arith{}
	table, err := TableFromReceiver(Strict, impl)
	if err != nil {
		t.Fatalf("TableFromReceiver failed: %v", err)
	}
	d, err := NewDispatcher(table, impl, &codec.JSONCodec{})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	sink := &fakeSink{}

	// Two-way: Add(2,3) = 5
	payload, _ := json.Marshal(&AddArgs{A: 2, B: 3})
	env := message.New(protocol.Header{Txid: 1, Ordinal: MethodOrdinal("Arith", "Add")}, payload, nil)
	if err := d.Dispatch(context.Background(), env, sink); err != nil {
		t.Fatalf("Dispatch Add failed: %v", err)
	}

	if len(sink.replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(sink.replies))
	}
	reply := &AddReply{}
	if err := json.Unmarshal(sink.replies[0].payload, reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Sum != 5 {
		t.Errorf("expected sum 5, got %d", reply.Sum)
	}

	// One-way: Note
	payload, _ = json.Marshal(&NoteArgs{Text: "hi"})
	env = message.New(protocol.Header{Txid: 0, Ordinal: MethodOrdinal("Arith", "Note")}, payload, nil)
	if err := d.Dispatch(context.Background(), env, sink); err != nil {
		t.Fatalf("Dispatch Note failed: %v", err)
	}
	if impl.notes.Load() != 1 {
		t.Errorf("expected 1 note, got %d", impl.notes.Load())
	}
	if len(sink.replies) != 1 {
		t.Errorf("one-way call must not produce a reply")
	}
}

type failing struct{}

func (f *failing) Boom(args *NoteArgs, reply *AddReply) error {
	return context.DeadlineExceeded
}

func TestReflectedHandlerErrorClosesWithInternal(t *testing.T) {
	impl := &failing{}
	table, err := TableFromReceiver(Strict, impl)
	if err != nil {
		t.Fatalf("TableFromReceiver failed: %v", err)
	}
	d, err := NewDispatcher(table, impl, &codec.JSONCodec{})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	sink := &fakeSink{}

	payload, _ := json.Marshal(&NoteArgs{})
	env := message.New(protocol.Header{Txid: 1, Ordinal: MethodOrdinal("failing", "Boom")}, payload, nil)
	if err := d.Dispatch(context.Background(), env, sink); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(sink.epitaphs) != 1 || sink.epitaphs[0] != protocol.StatusInternal {
		t.Fatalf("expected one Internal epitaph, got %v", sink.epitaphs)
	}
	if len(sink.replies) != 0 {
		t.Error("failed handler must not reply")
	}
}

func TestTableFromReceiverRejectsNonPointer(t *testing.T) {
	if _, err := TableFromReceiver(Strict, Arith{}); err == nil {
		t.Error("expected error for non-pointer receiver")
	}
	if _, err := TableFromReceiver(Strict, &struct{}{}); err == nil {
		t.Error("expected error for receiver with no RPC methods")
	}
}
