package message

import "sync/atomic"

// FakeHandle counts Close calls. Tests use it to verify the non-leak and
// non-double-close properties of envelope ownership.
type FakeHandle struct {
	closes atomic.Int32
}

func (f *FakeHandle) Close() error {
	f.closes.Add(1)
	return nil
}

// Closes returns how many times Close has been called.
func (f *FakeHandle) Closes() int {
	return int(f.closes.Load())
}
