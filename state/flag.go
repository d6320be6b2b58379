package state

import "sync/atomic"

// Flag is a one-shot boolean: Consume reports whether it was set and clears it.
type Flag struct {
	v atomic.Bool
}

func (f *Flag) Set() { f.v.Store(true) }

func (f *Flag) Consume() bool { return f.v.Swap(false) }
