// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

package nicdev

import (
	"errors"
	"fmt"
	"net"

	"github.com/ringtune/ringtune/pkg/ringparam"
	"github.com/safchain/ethtool"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Params mirrors the get side of the ring parameter interface: current
// pending sizes and the advertised maximum per direction.
type Params struct {
	RxPending    uint32
	TxPending    uint32
	RxMaxPending uint32
	TxMaxPending uint32
}

// DriverInfo is the subset of the driver identification block exposed to
// management callers.
type DriverInfo struct {
	Driver          string
	Version         string
	FirmwareVersion string
	BusInfo         string
}

// ClientCounter reports how many user contexts currently hold the device.
// A nil counter disables the busy check during ring negotiation.
type ClientCounter func(ifname string) (int, error)

type NicDevObject struct {
	name    string
	link    netlink.Link
	eth     ethtoolHandle
	hw      ringparam.Capability
	cfg     ringparam.Config
	clients ClientCounter
}

type NicDev interface {
	Name() string
	Capability() ringparam.Capability
	RingParams() Params
	SetRingParams(req ringparam.Request) error
	DriverInfo() (DriverInfo, error)
	MsgLevel() (uint32, error)
	SetMsgLevel(level uint32) error
	LinkUp() (bool, error)
	Close()
}

type ethtoolHandle interface {
	GetRing(intf string) (ethtool.Ring, error)
	SetRing(intf string, ring ethtool.Ring) (ethtool.Ring, error)
	DriverName(intf string) (string, error)
	DriverInfo(intf string) (ethtool.DrvInfo, error)
	MsglvlGet(intf string) (uint32, error)
	MsglvlSet(intf string, valset uint32) (uint32, uint32, error)
	LinkState(intf string) (uint32, error)
	Close()
}

var (
	netlinkLinkByName  = netlink.LinkByName
	netlinkLinkSetUp   = netlink.LinkSetUp
	netlinkLinkSetDown = netlink.LinkSetDown
	newEthtoolHandle   = func() (ethtoolHandle, error) { return ethtool.NewEthtool() }
)

// driverProfile is the descriptor sizing constraint set of a known driver.
// Guaranteed sizes are the powers of two between Min and Max inclusive.
type driverProfile struct {
	MinDescriptors uint32
	MaxDescriptors uint32
	// Fixed marks devices whose rings cannot be resized at all.
	Fixed bool
}

var driverProfiles = map[string]driverProfile{
	"sfc":        {MinDescriptors: 512, MaxDescriptors: 16384},
	"sfc_ef100":  {MinDescriptors: 512, MaxDescriptors: 16384},
	"ice":        {MinDescriptors: 32, MaxDescriptors: 8192},
	"i40e":       {MinDescriptors: 64, MaxDescriptors: 8192},
	"iavf":       {MinDescriptors: 64, MaxDescriptors: 4096},
	"mlx5_core":  {MinDescriptors: 64, MaxDescriptors: 8192},
	"virtio_net": {MinDescriptors: 256, MaxDescriptors: 256, Fixed: true},
}

// sizeRange returns the bitmap of power-of-two sizes from lo to hi inclusive.
// lo must itself be a power of two.
func sizeRange(lo, hi uint32) uint32 {
	if lo == 0 || hi == 0 || lo > hi {
		return 0
	}
	return (hi | (hi - 1)) &^ (lo - 1)
}

func capabilityFor(driver string, ring ethtool.Ring) ringparam.Capability {
	if p, ok := driverProfiles[driver]; ok {
		hw := ringparam.Capability{
			GuaranteedBitmap: sizeRange(p.MinDescriptors, p.MaxDescriptors),
			MaxDescriptors:   p.MaxDescriptors,
		}
		if !p.Fixed {
			hw.SupportedBitmap = hw.GuaranteedBitmap
		}
		return hw
	}

	// Unknown driver: take every power of two up to the smaller of the
	// two advertised maxima.
	ceiling := ring.RxMaxPending
	if ring.TxMaxPending < ceiling {
		ceiling = ring.TxMaxPending
	}
	bitmap := sizeRange(1, ceiling)
	return ringparam.Capability{
		SupportedBitmap:  bitmap,
		GuaranteedBitmap: bitmap,
		MaxDescriptors:   ceiling,
	}
}

// IsNotSupported tells apart interfaces without ring controls (veth, loopback)
// from real failures.
func IsNotSupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP)
}

// Init opens a ring negotiation session for the named interface. The device
// capability is taken from hw when non-nil, from the driver profile table
// otherwise, with the ethtool maxima as the fallback for unknown drivers.
func Init(ifname string, hw *ringparam.Capability, clients ClientCounter) (NicDev, error) {
	link, err := netlinkLinkByName(ifname)
	if err != nil {
		return nil, err
	}
	eth, err := newEthtoolHandle()
	if err != nil {
		return nil, err
	}

	ring, err := eth.GetRing(ifname)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("unable to read ring parameters of %s: %w", ifname, err)
	}

	rv := &NicDevObject{
		name:    ifname,
		link:    link,
		eth:     eth,
		clients: clients,
		cfg:     ringparam.Config{RxPending: ring.RxPending, TxPending: ring.TxPending},
	}

	if hw != nil {
		rv.hw = *hw
		return rv, nil
	}

	driver, err := eth.DriverName(ifname)
	if err != nil {
		logrus.WithField("func", "Init").WithField("pkg", "nicdev").
			WithError(err).Warnf("Unable to read driver name of %s", ifname)
	}
	rv.hw = capabilityFor(driver, ring)
	return rv, nil
}

func (d *NicDevObject) Name() string {
	return d.name
}

func (d *NicDevObject) Capability() ringparam.Capability {
	return d.hw
}

// RingParams reports the session configuration, not a live device read: the
// configuration is the source of truth between bring-up cycles.
func (d *NicDevObject) RingParams() Params {
	max := ringparam.ComputeMaxAdvertisable(d.hw)
	return Params{
		RxPending:    d.cfg.RxPending,
		TxPending:    d.cfg.TxPending,
		RxMaxPending: max,
		TxMaxPending: max,
	}
}

// status refreshes the link handle so the up/down view is current at
// validation time.
func (d *NicDevObject) status() (ringparam.Status, error) {
	link, err := netlinkLinkByName(d.name)
	if err != nil {
		return ringparam.Status{}, err
	}
	d.link = link

	st := ringparam.Status{Up: link.Attrs().Flags&net.FlagUp != 0}
	if d.clients != nil {
		n, err := d.clients(d.name)
		if err != nil {
			return st, fmt.Errorf("unable to count clients of %s: %w", d.name, err)
		}
		st.OpenClients = n
		st.BusyCheck = true
	}
	return st, nil
}

// programRings writes the committed sizes to the device, preserving the
// remaining ring fields.
func (d *NicDevObject) programRings() error {
	ring, err := d.eth.GetRing(d.name)
	if err != nil {
		return err
	}
	ring.RxPending = d.cfg.RxPending
	ring.TxPending = d.cfg.TxPending
	_, err = d.eth.SetRing(d.name, ring)
	return err
}

type linkDatapath struct {
	d *NicDevObject
}

func (p *linkDatapath) Stop() error {
	return netlinkLinkSetDown(p.d.link)
}

func (p *linkDatapath) Start() error {
	if err := p.d.programRings(); err != nil {
		return err
	}
	return netlinkLinkSetUp(p.d.link)
}

// SetRingParams validates req against the session capability and applies it.
// A request matching the current sizes is a no-op. When the interface is up
// the datapath is cycled around the resize; when it is down the new sizes are
// programmed directly and take effect on the next bring-up.
func (d *NicDevObject) SetRingParams(req ringparam.Request) error {
	logger := logrus.WithField("func", "SetRingParams").WithField("pkg", "nicdev")

	st, err := d.status()
	if err != nil {
		return err
	}

	dec, err := ringparam.ValidateRequest(d.cfg, req, d.hw, st)
	if err != nil {
		logger.WithError(err).Errorf("Rejected ring sizes rx:%d tx:%d for %s", req.RxPending, req.TxPending, d.name)
		return err
	}
	if dec.NoOp {
		logger.Debugf("Ring sizes of %s already match, nothing to do", d.name)
		return nil
	}

	if err := ringparam.Apply(dec, &d.cfg, &linkDatapath{d: d}); err != nil {
		logger.WithError(err).Errorf("Ring sizes of %s committed rx:%d tx:%d but the datapath restart failed",
			d.name, d.cfg.RxPending, d.cfg.TxPending)
		return err
	}
	if !dec.RequiresRestart {
		if err := d.programRings(); err != nil {
			logger.WithError(err).Errorf("Ring sizes of %s committed but not programmed", d.name)
			return fmt.Errorf("unable to program ring sizes of %s: %w", d.name, err)
		}
	}

	logger.Infof("Ring sizes of %s set to rx:%d tx:%d restart:%v", d.name, dec.RxPending, dec.TxPending, dec.RequiresRestart)
	return nil
}

func (d *NicDevObject) DriverInfo() (DriverInfo, error) {
	info, err := d.eth.DriverInfo(d.name)
	if err != nil {
		return DriverInfo{}, err
	}
	return DriverInfo{
		Driver:          info.Driver,
		Version:         info.Version,
		FirmwareVersion: info.FwVersion,
		BusInfo:         info.BusInfo,
	}, nil
}

func (d *NicDevObject) MsgLevel() (uint32, error) {
	return d.eth.MsglvlGet(d.name)
}

func (d *NicDevObject) SetMsgLevel(level uint32) error {
	_, _, err := d.eth.MsglvlSet(d.name, level)
	return err
}

func (d *NicDevObject) LinkUp() (bool, error) {
	state, err := d.eth.LinkState(d.name)
	if err != nil {
		return false, err
	}
	return state != 0, nil
}

func (d *NicDevObject) Close() {
	if d.eth != nil {
		d.eth.Close()
	}
}
