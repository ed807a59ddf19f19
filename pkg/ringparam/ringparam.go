// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

// Package ringparam validates and applies NIC descriptor ring size changes.
//
// A device session advertises its sizing constraints as bitmaps where bit k
// set means the ring size 2^k is available. The negotiator checks a requested
// (rx, tx) pair against those constraints, decides whether the change needs a
// datapath restart, and commits it with no rollback. All state is passed in
// explicitly; the package holds no globals and does no locking. Callers
// serialize access per device.
package ringparam

import (
	"errors"
	"fmt"
	"math/bits"
)

// Direction identifies which ring a size error refers to.
type Direction string

const (
	RX Direction = "RX"
	TX Direction = "TX"
)

var (
	// ErrLegacyRingUnsupported is returned for requests that set the
	// mini or jumbo split-ring fields. This device family has a single
	// descriptor ring per direction.
	ErrLegacyRingUnsupported = errors.New("mini and jumbo rings are not supported")

	// ErrNotPowerOfTwo is returned for non-zero sizes that are not powers
	// of two. Ring indexing is modulo-via-mask.
	ErrNotPowerOfTwo = errors.New("ring sizes that are not pow of 2, not supported")

	// ErrChangesUnsupported is returned when the device advertises no
	// reconfigurable sizes at all.
	ErrChangesUnsupported = errors.New("ring size changes not supported")
)

// UnsupportedSizeError reports a size outside the guaranteed set.
type UnsupportedSizeError struct {
	Direction Direction
	Size      uint32
}

func (e *UnsupportedSizeError) Error() string {
	return fmt.Sprintf("unsupported ring size %d for %s", e.Size, e.Direction)
}

// BusyError reports other active clients holding the device open.
type BusyError struct {
	Clients int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("unable to set ring sizes, device in use by %d clients", e.Clients)
}

// RestartError reports a datapath stop or start failure after the new sizes
// were already committed. The configuration is not rolled back.
type RestartError struct {
	Op  string
	Err error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("datapath %s failed after ring size commit: %v", e.Op, e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

// Capability describes what ring sizes a device can take. It is established
// once per device session and read-only afterwards.
type Capability struct {
	// SupportedBitmap is non-zero when the device supports ring size
	// changes; bit k set means size 2^k can be selected.
	SupportedBitmap uint32
	// GuaranteedBitmap holds the sizes the device guarantees to accept.
	GuaranteedBitmap uint32
	// MaxDescriptors is the hardware ceiling on descriptors per ring.
	MaxDescriptors uint32
}

// Config is the per-device ring configuration. Both values are powers of two
// within the guaranteed set and persist across interface down/up cycles.
type Config struct {
	RxPending uint32
	TxPending uint32
}

// Request carries the candidate sizes. A zero RxPending or TxPending keeps
// the current size for that direction.
type Request struct {
	RxPending      uint32
	TxPending      uint32
	RxMiniPending  uint32
	RxJumboPending uint32
}

// Status is the observed interface state at validation time.
type Status struct {
	// Up reports whether the interface datapath is currently running.
	Up bool
	// OpenClients counts active user contexts holding the device.
	OpenClients int
	// BusyCheck enables the multi-client guard. Platforms without
	// device sharing leave it off.
	BusyCheck bool
}

// Decision is the outcome of a successful validation.
type Decision struct {
	// NoOp is set when the request matches the current configuration.
	NoOp bool
	// RxPending and TxPending are fully resolved, never zero.
	RxPending uint32
	TxPending uint32
	// RequiresRestart is set when the interface was up at validation
	// time and the datapath must cycle to reallocate descriptor memory.
	RequiresRestart bool
}

// Datapath stops and starts the interface traffic path around a resize.
type Datapath interface {
	Stop() error
	Start() error
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// ComputeMaxAdvertisable returns the largest size the device may report as
// its ceiling: the highest guaranteed power of two at or below
// MaxDescriptors, or zero when the sets do not intersect.
func ComputeMaxAdvertisable(hw Capability) uint32 {
	if hw.MaxDescriptors == 0 {
		return 0
	}
	bitmap := (hw.MaxDescriptors | (hw.MaxDescriptors - 1)) & hw.GuaranteedBitmap
	if bitmap == 0 {
		return 0
	}
	return 1 << (bits.Len32(bitmap) - 1)
}

// ValidateRequest checks req against the device capability and current
// configuration. It mutates nothing. Checks run in a fixed order and the
// first failure wins; see the package error values for the taxonomy.
func ValidateRequest(current Config, req Request, hw Capability, st Status) (Decision, error) {
	if req.RxMiniPending != 0 || req.RxJumboPending != 0 {
		return Decision{}, ErrLegacyRingUnsupported
	}
	if (req.RxPending != 0 && !isPowerOfTwo(req.RxPending)) ||
		(req.TxPending != 0 && !isPowerOfTwo(req.TxPending)) {
		return Decision{}, ErrNotPowerOfTwo
	}

	// Zero keeps the current size for that direction.
	rx := req.RxPending
	if rx == 0 {
		rx = current.RxPending
	}
	tx := req.TxPending
	if tx == 0 {
		tx = current.TxPending
	}
	if rx == current.RxPending && tx == current.TxPending {
		return Decision{NoOp: true}, nil
	}

	if hw.SupportedBitmap == 0 {
		return Decision{}, ErrChangesUnsupported
	}
	if req.RxPending != 0 && hw.GuaranteedBitmap&req.RxPending == 0 {
		return Decision{}, &UnsupportedSizeError{Direction: RX, Size: req.RxPending}
	}
	if req.TxPending != 0 && hw.GuaranteedBitmap&req.TxPending == 0 {
		return Decision{}, &UnsupportedSizeError{Direction: TX, Size: req.TxPending}
	}
	if st.BusyCheck {
		allowed := 0
		if st.Up {
			allowed = 1
		}
		if st.OpenClients > allowed {
			return Decision{}, &BusyError{Clients: st.OpenClients}
		}
	}

	return Decision{RxPending: rx, TxPending: tx, RequiresRestart: st.Up}, nil
}

// Apply commits a validated decision to cfg and, when the decision demands
// it, cycles the datapath. The new sizes are written before the restart and
// stay in place even if the restart fails; they take effect on the next
// successful bring-up.
func Apply(dec Decision, cfg *Config, dp Datapath) error {
	if dec.NoOp {
		return nil
	}

	cfg.RxPending = dec.RxPending
	cfg.TxPending = dec.TxPending

	if !dec.RequiresRestart {
		return nil
	}
	if err := dp.Stop(); err != nil {
		return &RestartError{Op: "stop", Err: err}
	}
	if err := dp.Start(); err != nil {
		return &RestartError{Op: "start", Err: err}
	}
	return nil
}
