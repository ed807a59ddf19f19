package nicdev

import (
	"github.com/ringtune/ringtune/pkg/ringparam"
)

type NicDevMock struct {
	InitIfname         string
	InitError          error
	DevName            string
	Cap                ringparam.Capability
	RingParamsValue    Params
	SetRingRequests    []ringparam.Request
	SetRingErr         error
	Info               DriverInfo
	InfoErr            error
	MsgLvl             uint32
	MsgLvlErr          error
	SetMsgLvlRequests  []uint32
	SetMsgLvlErr       error
	Link               bool
	LinkErr            error
	Closed             bool
}

func (m *NicDevMock) Name() string {
	return m.DevName
}

func (m *NicDevMock) Capability() ringparam.Capability {
	return m.Cap
}

func (m *NicDevMock) RingParams() Params {
	return m.RingParamsValue
}

func (m *NicDevMock) SetRingParams(req ringparam.Request) error {
	m.SetRingRequests = append(m.SetRingRequests, req)
	return m.SetRingErr
}

func (m *NicDevMock) DriverInfo() (DriverInfo, error) {
	return m.Info, m.InfoErr
}

func (m *NicDevMock) MsgLevel() (uint32, error) {
	return m.MsgLvl, m.MsgLvlErr
}

func (m *NicDevMock) SetMsgLevel(level uint32) error {
	m.SetMsgLvlRequests = append(m.SetMsgLvlRequests, level)
	return m.SetMsgLvlErr
}

func (m *NicDevMock) LinkUp() (bool, error) {
	return m.Link, m.LinkErr
}

func (m *NicDevMock) Close() {
	m.Closed = true
}
