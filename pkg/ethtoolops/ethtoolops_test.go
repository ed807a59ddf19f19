// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

package ethtoolops

import (
	"errors"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/ringtune/ringtune/pkg/nicdev"
	"github.com/ringtune/ringtune/pkg/ringparam"
	"golang.org/x/sys/unix"
)

func TestEthtoolops(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ethtoolops Test Suite")
}

var devMock *nicdev.NicDevMock

var _ = BeforeEach(func() {
	devMock = &nicdev.NicDevMock{
		DevName: "eth0",
		RingParamsValue: nicdev.Params{
			RxPending:    512,
			TxPending:    512,
			RxMaxPending: 16384,
			TxMaxPending: 16384,
		},
		Info: nicdev.DriverInfo{
			Driver:          "sfc_ef100",
			Version:         "5.15.0",
			FirmwareVersion: "1.2.3.4",
			BusInfo:         "0000:3b:00.0",
		},
		MsgLvl: 0x7,
		Link:   true,
	}
})

var _ = Describe("Bind with the default feature set", func() {
	var _ = It("binds every operation to the session", func() {
		ops := Bind(devMock, DefaultFeatures)

		params, err := ops.GetRingParam()
		Expect(err).NotTo(HaveOccurred())
		Expect(params.RxPending).To(Equal(uint32(512)))
		Expect(params.RxMaxPending).To(Equal(uint32(16384)))

		err = ops.SetRingParam(ringparam.Request{RxPending: 1024, TxPending: 1024})
		Expect(err).NotTo(HaveOccurred())
		Expect(devMock.SetRingRequests).To(HaveLen(1))
		Expect(devMock.SetRingRequests[0].RxPending).To(Equal(uint32(1024)))

		info, err := ops.GetDrvinfo()
		Expect(err).NotTo(HaveOccurred())
		Expect(info.FirmwareVersion).To(Equal("1.2.3.4"))

		lvl, err := ops.GetMsglevel()
		Expect(err).NotTo(HaveOccurred())
		Expect(lvl).To(Equal(uint32(0x7)))

		err = ops.SetMsglevel(0xf)
		Expect(err).NotTo(HaveOccurred())
		Expect(devMock.SetMsgLvlRequests).To(Equal([]uint32{0xf}))

		up, err := ops.GetLink()
		Expect(err).NotTo(HaveOccurred())
		Expect(up).To(BeTrue())

		Expect(ops.Device().Name()).To(Equal("eth0"))
	})

	var _ = It("forwards negotiation failures unchanged", func() {
		devMock.SetRingErr = ringparam.ErrNotPowerOfTwo
		ops := Bind(devMock, DefaultFeatures)
		err := ops.SetRingParam(ringparam.Request{RxPending: 1000})
		Expect(errors.Is(err, ringparam.ErrNotPowerOfTwo)).To(BeTrue())
	})
})

var _ = Describe("Bind with an empty feature set", func() {
	var _ = It("leaves the optional operations unbound", func() {
		ops := Bind(devMock, FeatureSet{})

		_, err := ops.GetMsglevel()
		Expect(errors.Is(err, ErrOpNotSupported)).To(BeTrue())

		err = ops.SetMsglevel(1)
		Expect(errors.Is(err, ErrOpNotSupported)).To(BeTrue())
		Expect(devMock.SetMsgLvlRequests).To(BeEmpty())

		_, err = ops.GetLink()
		Expect(errors.Is(err, ErrOpNotSupported)).To(BeTrue())
	})

	var _ = It("falls back to the basic driver info variant", func() {
		ops := Bind(devMock, FeatureSet{})
		info, err := ops.GetDrvinfo()
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Driver).To(Equal("sfc_ef100"))
		Expect(info.FirmwareVersion).To(Equal(""))
	})

	var _ = It("keeps the ring operations bound", func() {
		ops := Bind(devMock, FeatureSet{})
		_, err := ops.GetRingParam()
		Expect(err).NotTo(HaveOccurred())
		err = ops.SetRingParam(ringparam.Request{RxPending: 1024, TxPending: 1024})
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("Errno", func() {
	var _ = It("maps success to zero", func() {
		Expect(Errno(nil)).To(Equal(unix.Errno(0)))
	})

	var _ = It("maps malformed requests to EINVAL", func() {
		Expect(Errno(ringparam.ErrLegacyRingUnsupported)).To(Equal(unix.EINVAL))
		Expect(Errno(ringparam.ErrNotPowerOfTwo)).To(Equal(unix.EINVAL))
	})

	var _ = It("maps unchangeable devices to EOPNOTSUPP", func() {
		Expect(Errno(ringparam.ErrChangesUnsupported)).To(Equal(unix.EOPNOTSUPP))
	})

	var _ = It("maps out-of-range sizes to ERANGE", func() {
		err := &ringparam.UnsupportedSizeError{Direction: ringparam.RX, Size: 32768}
		Expect(Errno(err)).To(Equal(unix.ERANGE))
	})

	var _ = It("maps busy devices to EBUSY", func() {
		Expect(Errno(&ringparam.BusyError{Clients: 3})).To(Equal(unix.EBUSY))
	})

	var _ = It("maps restart failures to EIO", func() {
		err := &ringparam.RestartError{Op: "start", Err: errors.New("queue init failed")}
		Expect(Errno(err)).To(Equal(unix.EIO))
	})

	var _ = It("maps unbound operations to ENOTSUP", func() {
		Expect(Errno(ErrOpNotSupported)).To(Equal(unix.ENOTSUP))
	})

	var _ = It("sees through wrapped errors", func() {
		err := fmt.Errorf("set_ringparam on eth0: %w", ringparam.ErrNotPowerOfTwo)
		Expect(Errno(err)).To(Equal(unix.EINVAL))
	})

	var _ = It("maps unknown failures to EIO", func() {
		Expect(Errno(errors.New("socket closed"))).To(Equal(unix.EIO))
	})
})
