// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

package ringparam

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestRingparam(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ringparam Test Suite")
}

// guaranteed sizes 256, 512 and 1024
const testGuaranteed = uint32(256 | 512 | 1024)

var testCap = Capability{
	SupportedBitmap:  testGuaranteed,
	GuaranteedBitmap: testGuaranteed,
	MaxDescriptors:   16384,
}

type datapathMock struct {
	stopErr  error
	startErr error
	stops    int
	starts   int
}

func (d *datapathMock) Stop() error {
	d.stops++
	return d.stopErr
}

func (d *datapathMock) Start() error {
	d.starts++
	return d.startErr
}

var _ = Describe("ValidateRequest should return error if", func() {
	current := Config{RxPending: 512, TxPending: 512}

	var _ = It("mini ring size is set", func() {
		req := Request{RxPending: 1024, TxPending: 1024, RxMiniPending: 1}
		_, err := ValidateRequest(current, req, testCap, Status{Up: true})
		Expect(err).To(Equal(ErrLegacyRingUnsupported))
	})

	var _ = It("jumbo ring size is set", func() {
		req := Request{RxJumboPending: 64}
		_, err := ValidateRequest(current, req, testCap, Status{Up: true})
		Expect(err).To(Equal(ErrLegacyRingUnsupported))
	})

	var _ = It("requested RX size is not a power of two", func() {
		req := Request{RxPending: 1000, TxPending: 512}
		_, err := ValidateRequest(current, req, testCap, Status{Up: true})
		Expect(err).To(Equal(ErrNotPowerOfTwo))
	})

	var _ = It("requested TX size is not a power of two", func() {
		req := Request{RxPending: 512, TxPending: 513}
		_, err := ValidateRequest(current, req, testCap, Status{Up: true})
		Expect(err).To(Equal(ErrNotPowerOfTwo))
	})

	var _ = It("device supports no ring size changes", func() {
		hw := Capability{GuaranteedBitmap: testGuaranteed, MaxDescriptors: 16384}
		req := Request{RxPending: 1024, TxPending: 1024}
		_, err := ValidateRequest(current, req, hw, Status{Up: true})
		Expect(err).To(Equal(ErrChangesUnsupported))
	})

	var _ = It("requested RX size is outside the guaranteed set", func() {
		req := Request{RxPending: 2048, TxPending: 512}
		_, err := ValidateRequest(current, req, testCap, Status{Up: true})
		sizeErr := &UnsupportedSizeError{}
		Expect(errors.As(err, &sizeErr)).To(BeTrue())
		Expect(sizeErr.Direction).To(Equal(RX))
		Expect(sizeErr.Size).To(Equal(uint32(2048)))
	})

	var _ = It("requested TX size is outside the guaranteed set", func() {
		req := Request{RxPending: 512, TxPending: 8192}
		_, err := ValidateRequest(current, req, testCap, Status{Up: true})
		sizeErr := &UnsupportedSizeError{}
		Expect(errors.As(err, &sizeErr)).To(BeTrue())
		Expect(sizeErr.Direction).To(Equal(TX))
	})

	var _ = It("both sizes are outside the guaranteed set - RX reported first", func() {
		req := Request{RxPending: 2048, TxPending: 8192}
		_, err := ValidateRequest(current, req, testCap, Status{Up: true})
		sizeErr := &UnsupportedSizeError{}
		Expect(errors.As(err, &sizeErr)).To(BeTrue())
		Expect(sizeErr.Direction).To(Equal(RX))
	})

	var _ = It("another client holds the running device", func() {
		req := Request{RxPending: 1024, TxPending: 1024}
		st := Status{Up: true, OpenClients: 2, BusyCheck: true}
		_, err := ValidateRequest(current, req, testCap, st)
		busyErr := &BusyError{}
		Expect(errors.As(err, &busyErr)).To(BeTrue())
		Expect(busyErr.Clients).To(Equal(2))
	})

	var _ = It("any client holds the stopped device", func() {
		req := Request{RxPending: 1024, TxPending: 1024}
		st := Status{Up: false, OpenClients: 1, BusyCheck: true}
		_, err := ValidateRequest(current, req, testCap, st)
		busyErr := &BusyError{}
		Expect(errors.As(err, &busyErr)).To(BeTrue())
	})
})

var _ = Describe("ValidateRequest", func() {
	current := Config{RxPending: 512, TxPending: 512}

	var _ = It("returns a no-op decision when the request matches the current sizes", func() {
		req := Request{RxPending: 512, TxPending: 512}
		dec, err := ValidateRequest(current, req, testCap, Status{Up: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(dec.NoOp).To(BeTrue())

		// same request again stays a no-op
		dec, err = ValidateRequest(current, req, testCap, Status{Up: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(dec.NoOp).To(BeTrue())
	})

	var _ = It("treats an all-zero request as a no-op", func() {
		dec, err := ValidateRequest(current, Request{}, testCap, Status{Up: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(dec.NoOp).To(BeTrue())
	})

	var _ = It("short-circuits the no-op before the supported check", func() {
		hw := Capability{GuaranteedBitmap: testGuaranteed, MaxDescriptors: 16384}
		req := Request{RxPending: 512, TxPending: 512}
		dec, err := ValidateRequest(current, req, hw, Status{Up: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(dec.NoOp).To(BeTrue())
	})

	var _ = It("keeps the current size for a zero direction", func() {
		req := Request{TxPending: 1024}
		dec, err := ValidateRequest(current, req, testCap, Status{Up: false})
		Expect(err).NotTo(HaveOccurred())
		Expect(dec.NoOp).To(BeFalse())
		Expect(dec.RxPending).To(Equal(uint32(512)))
		Expect(dec.TxPending).To(Equal(uint32(1024)))
	})

	var _ = It("requires a restart only when the interface is up", func() {
		req := Request{RxPending: 1024, TxPending: 1024}

		dec, err := ValidateRequest(current, req, testCap, Status{Up: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(dec.RequiresRestart).To(BeTrue())

		dec, err = ValidateRequest(current, req, testCap, Status{Up: false})
		Expect(err).NotTo(HaveOccurred())
		Expect(dec.RequiresRestart).To(BeFalse())
	})

	var _ = It("skips the busy check when it is disabled", func() {
		req := Request{RxPending: 1024, TxPending: 1024}
		st := Status{Up: true, OpenClients: 5}
		dec, err := ValidateRequest(current, req, testCap, st)
		Expect(err).NotTo(HaveOccurred())
		Expect(dec.RequiresRestart).To(BeTrue())
	})

	var _ = It("allows the single running client when the busy check is on", func() {
		req := Request{RxPending: 1024, TxPending: 1024}
		st := Status{Up: true, OpenClients: 1, BusyCheck: true}
		_, err := ValidateRequest(current, req, testCap, st)
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("Apply", func() {
	var _ = It("does nothing for a no-op decision", func() {
		cfg := Config{RxPending: 512, TxPending: 512}
		dp := &datapathMock{}
		err := Apply(Decision{NoOp: true}, &cfg, dp)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg).To(Equal(Config{RxPending: 512, TxPending: 512}))
		Expect(dp.stops).To(Equal(0))
		Expect(dp.starts).To(Equal(0))
	})

	var _ = It("updates the configuration without touching a stopped datapath", func() {
		cfg := Config{RxPending: 512, TxPending: 512}
		dp := &datapathMock{}
		dec := Decision{RxPending: 1024, TxPending: 256}
		err := Apply(dec, &cfg, dp)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.RxPending).To(Equal(uint32(1024)))
		Expect(cfg.TxPending).To(Equal(uint32(256)))
		Expect(dp.stops).To(Equal(0))
		Expect(dp.starts).To(Equal(0))
	})

	var _ = It("cycles the datapath once when a restart is required", func() {
		cfg := Config{RxPending: 512, TxPending: 512}
		dp := &datapathMock{}
		dec := Decision{RxPending: 1024, TxPending: 1024, RequiresRestart: true}
		err := Apply(dec, &cfg, dp)
		Expect(err).NotTo(HaveOccurred())
		Expect(dp.stops).To(Equal(1))
		Expect(dp.starts).To(Equal(1))
	})

	var _ = It("keeps the committed sizes when the stop fails", func() {
		cfg := Config{RxPending: 512, TxPending: 512}
		dp := &datapathMock{stopErr: errors.New("stop failed")}
		dec := Decision{RxPending: 1024, TxPending: 1024, RequiresRestart: true}
		err := Apply(dec, &cfg, dp)
		restartErr := &RestartError{}
		Expect(errors.As(err, &restartErr)).To(BeTrue())
		Expect(restartErr.Op).To(Equal("stop"))
		Expect(cfg.RxPending).To(Equal(uint32(1024)))
		Expect(cfg.TxPending).To(Equal(uint32(1024)))
		Expect(dp.starts).To(Equal(0))
	})

	var _ = It("keeps the committed sizes when the start fails", func() {
		cfg := Config{RxPending: 512, TxPending: 512}
		cause := errors.New("firmware rejected queue init")
		dp := &datapathMock{startErr: cause}
		dec := Decision{RxPending: 1024, TxPending: 1024, RequiresRestart: true}
		err := Apply(dec, &cfg, dp)
		restartErr := &RestartError{}
		Expect(errors.As(err, &restartErr)).To(BeTrue())
		Expect(restartErr.Op).To(Equal("start"))
		Expect(errors.Is(err, cause)).To(BeTrue())
		Expect(cfg.RxPending).To(Equal(uint32(1024)))
		Expect(cfg.TxPending).To(Equal(uint32(1024)))
	})

	var _ = It("applies a validated size change end to end", func() {
		current := Config{RxPending: 512, TxPending: 512}
		req := Request{RxPending: 1024, TxPending: 1024}
		dec, err := ValidateRequest(current, req, testCap, Status{Up: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(dec.RequiresRestart).To(BeTrue())

		dp := &datapathMock{}
		err = Apply(dec, &current, dp)
		Expect(err).NotTo(HaveOccurred())
		Expect(current.RxPending).To(Equal(uint32(1024)))
		Expect(current.TxPending).To(Equal(uint32(1024)))
		Expect(dp.stops).To(Equal(1))
		Expect(dp.starts).To(Equal(1))
	})
})

var _ = Describe("ComputeMaxAdvertisable", func() {
	var _ = It("returns the highest guaranteed size below the hardware ceiling", func() {
		Expect(ComputeMaxAdvertisable(testCap)).To(Equal(uint32(1024)))
	})

	var _ = It("returns the ceiling itself when it is guaranteed", func() {
		hw := Capability{
			SupportedBitmap:  16384,
			GuaranteedBitmap: 16384 | testGuaranteed,
			MaxDescriptors:   16384,
		}
		Expect(ComputeMaxAdvertisable(hw)).To(Equal(uint32(16384)))
	})

	var _ = It("returns zero for an empty guaranteed set", func() {
		hw := Capability{SupportedBitmap: 512, MaxDescriptors: 16384}
		Expect(ComputeMaxAdvertisable(hw)).To(Equal(uint32(0)))
	})

	var _ = It("ignores guaranteed sizes above the hardware ceiling", func() {
		hw := Capability{GuaranteedBitmap: 32768, MaxDescriptors: 16384}
		Expect(ComputeMaxAdvertisable(hw)).To(Equal(uint32(0)))
	})

	var _ = It("returns zero for a zero descriptor ceiling", func() {
		hw := Capability{GuaranteedBitmap: testGuaranteed}
		Expect(ComputeMaxAdvertisable(hw)).To(Equal(uint32(0)))
	})

	var _ = It("never grows when the guaranteed set shrinks", func() {
		bitmap := testGuaranteed
		prev := ComputeMaxAdvertisable(Capability{GuaranteedBitmap: bitmap, MaxDescriptors: 16384})
		for bitmap != 0 {
			// drop the highest remaining size
			bitmap &^= prev
			cur := ComputeMaxAdvertisable(Capability{GuaranteedBitmap: bitmap, MaxDescriptors: 16384})
			Expect(cur <= prev).To(BeTrue())
			if cur == 0 {
				break
			}
			prev = cur
		}
	})
})
