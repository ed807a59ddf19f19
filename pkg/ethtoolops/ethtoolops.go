// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

// Package ethtoolops binds management operations to a device session once at
// startup. A fixed registry lists the known variants of every operation; Bind
// walks it against the host's declared feature set and installs the first
// eligible variant per operation, so calls never branch on features again.
// Operations with no eligible variant report ErrOpNotSupported.
package ethtoolops

import (
	"errors"

	"github.com/ringtune/ringtune/pkg/nicdev"
	"github.com/ringtune/ringtune/pkg/ringparam"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrOpNotSupported is returned by accessors whose operation has no variant
// for the bound feature set.
var ErrOpNotSupported = errors.New("operation not supported")

// FeatureSet declares what the host environment and driver offer. It is
// fixed before Bind and never consulted afterwards.
type FeatureSet struct {
	// MessageLevel is set when the driver exposes message level control.
	MessageLevel bool
	// LinkStatus is set when the driver answers link state queries.
	LinkStatus bool
	// FirmwareInfo is set when firmware version strings may be read.
	FirmwareInfo bool
}

// DefaultFeatures enables every optional operation.
var DefaultFeatures = FeatureSet{
	MessageLevel: true,
	LinkStatus:   true,
	FirmwareInfo: true,
}

// Ops is the bound operation table for one device session.
type Ops struct {
	dev nicdev.NicDev

	getRing     func() nicdev.Params
	setRing     func(ringparam.Request) error
	getDrvinfo  func() (nicdev.DriverInfo, error)
	getMsglevel func() (uint32, error)
	setMsglevel func(uint32) error
	getLink     func() (bool, error)
}

type variant struct {
	name      string
	supported func(FeatureSet) bool
	bind      func(*Ops, nicdev.NicDev)
}

func always(FeatureSet) bool { return true }

var registry = []struct {
	op       string
	variants []variant
}{
	{
		op: "get_ringparam",
		variants: []variant{
			{name: "default", supported: always, bind: func(o *Ops, d nicdev.NicDev) {
				o.getRing = d.RingParams
			}},
		},
	},
	{
		op: "set_ringparam",
		variants: []variant{
			{name: "default", supported: always, bind: func(o *Ops, d nicdev.NicDev) {
				o.setRing = d.SetRingParams
			}},
		},
	},
	{
		op: "get_drvinfo",
		variants: []variant{
			{
				name:      "firmware",
				supported: func(fs FeatureSet) bool { return fs.FirmwareInfo },
				bind: func(o *Ops, d nicdev.NicDev) {
					o.getDrvinfo = d.DriverInfo
				},
			},
			{
				// Without firmware access the version string stays blank.
				name:      "basic",
				supported: always,
				bind: func(o *Ops, d nicdev.NicDev) {
					o.getDrvinfo = func() (nicdev.DriverInfo, error) {
						info, err := d.DriverInfo()
						info.FirmwareVersion = ""
						return info, err
					}
				},
			},
		},
	},
	{
		op: "get_msglevel",
		variants: []variant{
			{
				name:      "default",
				supported: func(fs FeatureSet) bool { return fs.MessageLevel },
				bind: func(o *Ops, d nicdev.NicDev) {
					o.getMsglevel = d.MsgLevel
				},
			},
		},
	},
	{
		op: "set_msglevel",
		variants: []variant{
			{
				name:      "default",
				supported: func(fs FeatureSet) bool { return fs.MessageLevel },
				bind: func(o *Ops, d nicdev.NicDev) {
					o.setMsglevel = d.SetMsgLevel
				},
			},
		},
	},
	{
		op: "get_link",
		variants: []variant{
			{
				name:      "default",
				supported: func(fs FeatureSet) bool { return fs.LinkStatus },
				bind: func(o *Ops, d nicdev.NicDev) {
					o.getLink = d.LinkUp
				},
			},
		},
	},
}

// Bind selects one variant per operation for the given feature set and
// returns the bound table. The selection happens here only.
func Bind(dev nicdev.NicDev, fs FeatureSet) *Ops {
	logger := logrus.WithField("func", "Bind").WithField("pkg", "ethtoolops")

	ops := &Ops{dev: dev}
	for _, entry := range registry {
		bound := false
		for _, v := range entry.variants {
			if !v.supported(fs) {
				continue
			}
			v.bind(ops, dev)
			logger.Debugf("Bound %s variant %q for %s", entry.op, v.name, dev.Name())
			bound = true
			break
		}
		if !bound {
			logger.Debugf("No %s variant for %s", entry.op, dev.Name())
		}
	}
	return ops
}

// Device returns the session the table was bound to.
func (o *Ops) Device() nicdev.NicDev {
	return o.dev
}

func (o *Ops) GetRingParam() (nicdev.Params, error) {
	if o.getRing == nil {
		return nicdev.Params{}, ErrOpNotSupported
	}
	return o.getRing(), nil
}

func (o *Ops) SetRingParam(req ringparam.Request) error {
	if o.setRing == nil {
		return ErrOpNotSupported
	}
	return o.setRing(req)
}

func (o *Ops) GetDrvinfo() (nicdev.DriverInfo, error) {
	if o.getDrvinfo == nil {
		return nicdev.DriverInfo{}, ErrOpNotSupported
	}
	return o.getDrvinfo()
}

func (o *Ops) GetMsglevel() (uint32, error) {
	if o.getMsglevel == nil {
		return 0, ErrOpNotSupported
	}
	return o.getMsglevel()
}

func (o *Ops) SetMsglevel(level uint32) error {
	if o.setMsglevel == nil {
		return ErrOpNotSupported
	}
	return o.setMsglevel(level)
}

func (o *Ops) GetLink() (bool, error) {
	if o.getLink == nil {
		return false, ErrOpNotSupported
	}
	return o.getLink()
}

// Errno translates negotiation and table errors to the classic management
// interface codes.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, ErrOpNotSupported):
		return unix.ENOTSUP
	case errors.Is(err, ringparam.ErrLegacyRingUnsupported),
		errors.Is(err, ringparam.ErrNotPowerOfTwo):
		return unix.EINVAL
	case errors.Is(err, ringparam.ErrChangesUnsupported):
		return unix.EOPNOTSUPP
	}

	sizeErr := &ringparam.UnsupportedSizeError{}
	if errors.As(err, &sizeErr) {
		return unix.ERANGE
	}
	busyErr := &ringparam.BusyError{}
	if errors.As(err, &busyErr) {
		return unix.EBUSY
	}
	return unix.EIO
}
