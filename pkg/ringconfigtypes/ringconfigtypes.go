// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

package ringconfigtypes

type RingClusterConfig struct {
	NodeConfigs []RingNodeConfig
}

type RingNodeConfig struct {
	Labels map[string]string
	RingNodeProfile
}

// RingNodeProfile is the node-local file rendered by ringtune-node-config
// and consumed by the daemon and the CNI plugin.
type RingNodeProfile struct {
	Globals  GlobalsConfig
	Profiles []RingProfile
}

type GlobalsConfig struct {
	// Dev is the interface pattern profiles apply to when they carry
	// none of their own.
	Dev              string
	BusyCheck        bool
	ReconcileSeconds uint32
	// MsgLevel is programmed into matching drivers when non-zero.
	MsgLevel uint32
}

type RingProfile struct {
	// Dev is an exact interface name or a shell glob.
	Dev string
	// Driver restricts the profile to interfaces bound to this driver.
	Driver    string
	RxPending uint32
	TxPending uint32
}
