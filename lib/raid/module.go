// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"fmt"

	"git.lukeshu.com/go/typedsync"
)

type Level uint8

const (
	RAID0 Level = 0
	RAID1 Level = 1
	RAID5 Level = 5
)

func (l Level) String() string {
	return fmt.Sprintf("raid%d", uint8(l))
}

type ConstraintType uint8

const (
	ConstraintUnset ConstraintType = iota
	ConstraintMaxBaseBdevsRemoved
	ConstraintMinBaseBdevsOperational
)

// Constraint describes how many base bdevs a level can lose and
// remain usable.
type Constraint struct {
	Type  ConstraintType
	Value uint8
}

// BaseFaultState is a channel's view of a base bdev for the purpose
// of tracking regions written while the base is unavailable.
type BaseFaultState uint8

const (
	// FaultNone: the base is healthy and reachable.
	FaultNone BaseFaultState = iota
	// FaultFaulty: the base is unreachable and writes to it are
	// being recorded in a delta bitmap.
	FaultFaulty
	// FaultFaultyStopped: the base is unreachable and writes to
	// it are not being recorded.
	FaultFaultyStopped
)

func (s BaseFaultState) String() string {
	switch s {
	case FaultNone:
		return "none"
	case FaultFaulty:
		return "faulty"
	case FaultFaultyStopped:
		return "faulty-stopped"
	default:
		return fmt.Sprintf("BaseFaultState(%d)", uint8(s))
	}
}

// A Module implements one RAID level.  Everything except Start,
// Stop, and Resize is called on the thread that owns the Channel
// (or IO) passed to it.
type Module interface {
	Level() Level
	BaseBdevsMin() uint8
	BaseBdevsConstraint() Constraint
	MemoryDomainsSupported() bool

	// Start validates the configuration and negotiates the
	// device's block count and region size.
	Start(*Bdev) error
	// Stop begins tearing down the module's state.  If it returns
	// true, the module calls Bdev.ModuleStopDone once it is
	// finished.
	Stop(*Bdev) bool
	// Resize recomputes the capacity from the base bdevs, and
	// reports whether it changed.
	Resize(*Bdev) bool

	GetIOChannel(*Channel) error
	PutIOChannel(*Channel)
	// ChannelGrowBaseBdev is called on each existing channel after
	// a base bdev has been added.
	ChannelGrowBaseBdev(*Channel) error
	SetBaseFaultState(ch *Channel, idx uint8, state BaseFaultState) error

	SubmitRWRequest(*IO)
	SubmitNullPayloadRequest(*IO)
	SubmitProcessRequest(*ProcessRequest, *Channel) error
}

var modules typedsync.Map[Level, Module]

// RegisterModule makes a RAID level available.  It is intended to be
// called from a module's init(), and panics if the level is already
// registered.
func RegisterModule(mod Module) {
	if _, loaded := modules.LoadOrStore(mod.Level(), mod); loaded {
		panic(fmt.Errorf("raid.RegisterModule: level %v registered twice", mod.Level()))
	}
}

func LookupModule(level Level) (Module, bool) {
	return modules.Load(level)
}
