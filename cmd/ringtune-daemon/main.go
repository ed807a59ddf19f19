// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containernetworking/cni/libcni"
	"github.com/fsnotify/fsnotify"
	"github.com/ringtune/ringtune/pkg/kubeletclient"
	"github.com/ringtune/ringtune/pkg/nicdev"
	"github.com/ringtune/ringtune/pkg/ringconfigtypes"
	"github.com/ringtune/ringtune/pkg/ringparam"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

var (
	getKubeletClient   = kubeletclient.GetKubeletClient
	getFsNotifyWatcher = fsnotify.NewWatcher
	nicdevInit         = nicdev.Init
	linkList           = netlink.LinkList

	// This is overridden in the linker script
	BuildVersion          = "version unknown"
	configWatcher         *fsnotify.Watcher
	defaultNodeConfigPath = "/etc/cni/net.d/ringtune-cni.d/node-config"
)

const ringtuneCniName = "ringtune-cni"

type cniConf struct {
	Profile *ringconfigtypes.RingNodeProfile `json:"-"`

	KubeletServerName string `json:"kubeletServerName,omitempty"`
	KubeletPort       string `json:"kubeletPort,omitempty"`
	KubeletCAPath     string `json:"kubeletCAPath,omitempty"`
}

type ringReconciler struct {
	ticker     *time.Ticker
	reload     chan string
	nodeName   string
	kc         kubeletclient.KubeletClient
	profile    *ringconfigtypes.RingNodeProfile
	period     time.Duration
	flagPeriod time.Duration
}

func newRingReconciler(kc kubeletclient.KubeletClient, reconcilePeriod *time.Duration, node string, profile *ringconfigtypes.RingNodeProfile) *ringReconciler {
	ret := &ringReconciler{
		reload:     make(chan string),
		nodeName:   node,
		kc:         kc,
		profile:    profile,
		flagPeriod: *reconcilePeriod,
	}
	ret.period = ret.effectivePeriod()
	ret.ticker = time.NewTicker(ret.period)
	go ret.run()
	return ret
}

// effectivePeriod prefers the reconcile interval from the node config and
// falls back to the command line value.
func (h *ringReconciler) effectivePeriod() time.Duration {
	if h.profile.Globals.ReconcileSeconds != 0 {
		return time.Duration(h.profile.Globals.ReconcileSeconds) * time.Second
	}
	return h.flagPeriod
}

func (h *ringReconciler) run() {
	var logger = log.WithField("func", "run")
	for {
		select {
		case <-h.ticker.C:
			if len(h.profile.Profiles) == 0 {
				break
			}
			h.reconcile()

		case path := <-h.reload:
			if err := h.reloadProfile(path); err != nil {
				logger.Errorf("could not reload node config %s err %v", path, err)
				break
			}
			if d := h.effectivePeriod(); d != h.period {
				logger.Infof("Reconcile period changed to %v", d)
				h.period = d
				h.ticker.Reset(d)
			}
			h.reconcile()
		}
	}
}

func (h *ringReconciler) requestReload(path string) {
	h.reload <- path
}

func (h *ringReconciler) reloadProfile(path string) error {
	nodeConfig, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	np := &ringconfigtypes.RingNodeProfile{}
	if err := json.Unmarshal(nodeConfig, np); err != nil {
		return err
	}
	h.profile = np
	return nil
}

func (h *ringReconciler) reconcile() {
	var logger = log.WithField("func", "reconcile")
	logger.Debugf("Reconcile len(profiles)=%v node %s", len(h.profile.Profiles), h.nodeName)

	links, err := linkList()
	if err != nil {
		logger.Errorf("failed to list node interfaces: %v", err)
		return
	}

	var clients nicdev.ClientCounter
	if h.profile.Globals.BusyCheck {
		clients = h.podClients
	}

	for _, link := range links {
		name := link.Attrs().Name
		p := matchProfile(h.profile, name)
		if p == nil {
			continue
		}
		h.applyProfile(*p, name, clients)
	}
}

func (h *ringReconciler) applyProfile(p ringconfigtypes.RingProfile, ifname string, clients nicdev.ClientCounter) {
	var logger = log.WithField("func", "applyProfile")

	dev, err := nicdevInit(ifname, nil, clients)
	if err != nil {
		if nicdev.IsNotSupported(err) {
			logger.Debugf("%s has no ring controls skipping...", ifname)
			return
		}
		logger.Errorf("could not open device session for %s err %v", ifname, err)
		return
	}
	defer dev.Close()

	if p.Driver != "" {
		info, err := dev.DriverInfo()
		if err != nil {
			logger.Errorf("could not read driver info of %s err %v", ifname, err)
			return
		}
		if info.Driver != p.Driver {
			logger.Debugf("%s is bound to %s and profile wants %s skipping...", ifname, info.Driver, p.Driver)
			return
		}
	}

	err = dev.SetRingParams(ringparam.Request{RxPending: p.RxPending, TxPending: p.TxPending})
	var busy *ringparam.BusyError
	var unsupported *ringparam.UnsupportedSizeError
	switch {
	case err == nil:
	case errors.As(err, &busy):
		logger.Warnf("%s is held open by %v clients, ring sizes left as they are", ifname, busy.Clients)
	case errors.As(err, &unsupported):
		logger.Warnf("Ring sizes [rx:%v tx:%v] not accepted by %s: %v", p.RxPending, p.TxPending, ifname, err)
	default:
		logger.Errorf("could not set ring sizes on %s err %v", ifname, err)
	}

	if h.profile.Globals.MsgLevel != 0 {
		if err := dev.SetMsgLevel(h.profile.Globals.MsgLevel); err != nil {
			logger.Errorf("could not set message level on %s err %v", ifname, err)
		}
	}
}

// podClients counts device allocations handed out by the device plugin. Every
// allocated unit counts as one open client of the node NIC.
func (h *ringReconciler) podClients(ifname string) (int, error) {
	var logger = log.WithField("func", "podClients")

	if err := h.kc.SyncPodResources(); err != nil {
		return 0, err
	}

	count := 0
	for _, pr := range h.kc.GetPodResources() {
		for _, cnt := range pr.GetContainers() {
			for _, d := range cnt.GetDevices() {
				if d.GetResourceName() != kubeletclient.NicResourceName && d.GetResourceName() != kubeletclient.NicSharedResourceName {
					continue
				}
				count += len(d.GetDeviceIds())
			}
		}
	}

	logger.Debugf("%v pod devices allocated while resizing %s", count, ifname)
	return count, nil
}

// matchProfile returns the first profile whose device pattern matches ifname.
// A profile without a pattern of its own falls back to the global one.
func matchProfile(np *ringconfigtypes.RingNodeProfile, ifname string) *ringconfigtypes.RingProfile {
	for i := range np.Profiles {
		pattern := np.Profiles[i].Dev
		if pattern == "" {
			pattern = np.Globals.Dev
		}
		if ok, err := filepath.Match(pattern, ifname); err == nil && ok {
			return &np.Profiles[i]
		}
	}
	return nil
}

func loadConf(bytes []byte) (*cniConf, error) {
	var logger = log.WithField("func", "loadConf")
	logger.Debugf("bytes %s", bytes)
	n := &cniConf{}

	if err := json.Unmarshal(bytes, n); err != nil {
		return nil, fmt.Errorf("loading network configuration unsuccessful: %v", err)
	}

	nodeConfig, err := os.ReadFile(defaultNodeConfigPath)
	if err != nil {
		return nil, fmt.Errorf("Unable to read node config from %v, err: %v", defaultNodeConfigPath, err)
	}

	var np ringconfigtypes.RingNodeProfile
	err = json.Unmarshal(nodeConfig, &np)
	if err != nil {
		return nil, fmt.Errorf("Error when unmarshalling node-config: %v", err)
	}

	n.Profile = &np

	return n, nil
}

func watchNodeConfig(c *cniConf, reconcilePeriod *time.Duration, nodeName string, done <-chan bool) error {
	var logger = log.WithField("func", "watchNodeConfig")

	var kc kubeletclient.KubeletClient
	var err error
	if c.Profile.Globals.BusyCheck {
		kc, err = getKubeletClient(false, c.KubeletServerName, c.KubeletPort, c.KubeletCAPath)
		if err != nil {
			return fmt.Errorf("failed to get a KubeletClient instance: %v", err)
		}
	}

	configWatcher, err = getFsNotifyWatcher()
	if err != nil {
		return fmt.Errorf("cannot init watcher %v", err)
	}
	defer configWatcher.Close()

	reconciler := newRingReconciler(kc, reconcilePeriod, nodeName, c.Profile)

	go func() {
		for {
			select {
			case event, ok := <-configWatcher.Events:
				if !ok {
					logger.Errorf("fetching inotify events failed")
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(defaultNodeConfigPath) {
					break
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					break
				}
				logger.Infof("Node config event: %v", event)
				reconciler.requestReload(event.Name)
			case err, ok := <-configWatcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Error("inotify error occured")
			}
		}
	}()

	if err := configWatcher.Add(filepath.Dir(defaultNodeConfigPath)); err != nil {
		return err
	}

	// converge the node before the first tick
	reconciler.requestReload(defaultNodeConfigPath)
	<-done
	reconciler.ticker.Stop()
	return nil
}

func getCniConf(cniConfList *libcni.NetworkConfigList) (cniConf *cniConf, err error) {
	var logger = log.WithField("func", "getCniConf")
	for _, p := range cniConfList.Plugins {
		if p.Network.Type == ringtuneCniName {
			cniConf, err = loadConf(p.Bytes)
			if err != nil {
				logger.WithError(err).Error("Cannot get CNI config")
				return nil, err
			}
		}
	}
	if cniConf == nil {
		return nil, errors.New("cannot find ringtune configuration in CNI config")
	}
	return cniConf, nil
}

func getCniConfig(path string) (*cniConf, error) {
	var logger = log.WithField("func", "getConfig")
	cniConfList, err := libcni.ConfListFromFile(path)
	if err != nil {
		logger.WithError(err).Error("Cannot get CNI config")
		return nil, err
	}
	return getCniConf(cniConfList)
}

func getNodeName() (string, error) {
	var logger = log.WithField("func", "getNodeName")
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		logger.Error("unable to get K8s node name from ENV var NODE_NAME")
		return "", errors.New("cannot get node name from environment")
	}
	return nodeName, nil
}

func parseFlags(name string, args []string) (reconcilePeriod time.Duration, cniConfigPath, out string, err error) {
	logger := log.WithField("func", "parseFlags")
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	var buf bytes.Buffer

	flags.SetOutput(&buf)

	defaultReconcile, err := time.ParseDuration("30s")
	if err != nil {
		logger.Error("Failed to parse default value for reconcile-period parameter")
		return 0, "", buf.String(), err
	}

	flags.DurationVar(&reconcilePeriod, "reconcile-period", defaultReconcile, "reconcile period for ring profile reapply")
	flags.StringVar(&cniConfigPath, "cni-config-path", "", "Path to CNI config file")

	err = flags.Parse(args)
	if err != nil {
		return 0, "", buf.String(), err
	}

	if len(cniConfigPath) == 0 {
		logger.Error("config path for CNI not set")
		return 0, "", buf.String(), fmt.Errorf("config path for CNI not set")
	}

	return reconcilePeriod, cniConfigPath, buf.String(), nil
}

func main() {
	var logger = log.WithField("func", "main")

	reconcilePeriod, cniConfigPath, out, err := parseFlags(os.Args[0], os.Args[1:])
	if err == flag.ErrHelp {
		log.Infoln(out)
		os.Exit(2)
	} else if err != nil {
		log.Error(out)
		os.Exit(1)
	}

	nodeName, err := getNodeName()
	if err != nil {
		os.Exit(1)
	}

	cniConf, err := getCniConfig(cniConfigPath)
	if err != nil {
		os.Exit(1)
	}

	logger.Infof("Running ring reconcile daemon: version %s CNI config path %s", BuildVersion, cniConfigPath)
	logger.Infof("CNI config %v", cniConf)

	done := make(chan bool)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sig
		done <- true
	}()

	if err := watchNodeConfig(cniConf, &reconcilePeriod, nodeName, done); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
