// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

package main

import (
	"os"
	"path"
	"runtime"

	"github.com/containernetworking/cni/pkg/skel"
	"github.com/containernetworking/cni/pkg/version"
	"github.com/containernetworking/plugins/pkg/utils/buildversion"
	"github.com/ringtune/ringtune/pkg/plugin"
	log "github.com/sirupsen/logrus"
)

const (
	logDir      = "/var/log"
	logLevelEnv = "RINGTUNE_CNI_LOG_LEVEL"
)

func init() {
	logInit()
	// CmdAdd and CmdCheck switch into the pod network namespace with setns,
	// which binds the namespace to the calling thread only. Pin main so the
	// ethtool calls issued after the switch stay on that thread.
	runtime.LockOSThread()
}

func logInit() {
	log.SetFormatter(&log.TextFormatter{
		PadLevelText:     true,
		QuoteEmptyFields: true,
	})
	log.SetLevel(log.DebugLevel)
	if v := os.Getenv(logLevelEnv); v != "" {
		if lvl, err := log.ParseLevel(v); err == nil {
			log.SetLevel(lvl)
		}
	}
	logFile, err := os.OpenFile(path.Join(logDir, "ringtune-cni.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		// stdout is reserved for the CNI result, keep diagnostics on stderr
		log.SetLevel(log.WarnLevel)
		return
	}
	log.SetOutput(logFile)
}

func main() {
	skel.PluginMain(plugin.CmdAdd, plugin.CmdCheck, plugin.CmdDel, version.All, buildversion.BuildString("ringtune"))
}
