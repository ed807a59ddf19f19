// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

package plugin

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/containernetworking/cni/pkg/skel"
	"github.com/containernetworking/cni/pkg/types"
	"github.com/containernetworking/cni/pkg/types/current"
	"github.com/containernetworking/cni/pkg/version"
	"github.com/containernetworking/plugins/pkg/ns"

	"github.com/ringtune/ringtune/pkg/kubeletclient"
	"github.com/ringtune/ringtune/pkg/nicdev"
	"github.com/ringtune/ringtune/pkg/ringconfigtypes"
	"github.com/ringtune/ringtune/pkg/ringparam"
	log "github.com/sirupsen/logrus"
)

type ringConf struct {
	types.NetConf

	// Internal
	Master   string                           `json:"-"`
	NicInfo  []*kubeletclient.ResourceInfo    `json:"-"`
	RingInfo []*kubeletclient.RingConfigEntry `json:"-"`

	FailureMode string `json:"failure-mode,omitempty"`

	KubeletServerName string `json:"kubeletServerName,omitempty"`
	KubeletPort       string `json:"kubeletPort,omitempty"`
	KubeletCAPath     string `json:"kubeletCAPath,omitempty"`
}

type K8sArgs struct {
	types.CommonArgs
	IP                         net.IP
	K8S_POD_NAME               types.UnmarshallableString //revive:disable-line
	K8S_POD_NAMESPACE          types.UnmarshallableString //revive:disable-line
	K8S_POD_INFRA_CONTAINER_ID types.UnmarshallableString //revive:disable-line
}

var (
	getKubeletClient      = kubeletclient.GetKubeletClient
	nicdevInit            = nicdev.Init
	withNetNSPath         = ns.WithNetNSPath
	defaultNodeConfigPath = "/etc/cni/net.d/ringtune-cni.d/node-config"
	msgLevel              = uint32(0)
)

func loadConf(bytes []byte) (*ringConf, error) {
	logger := log.WithField("func", "loadConf").WithField("pkg", "plugin")
	logger.Debugf("Bytes %s", bytes)
	n := &ringConf{}

	if err := json.Unmarshal(bytes, n); err != nil {
		return nil, fmt.Errorf("Loading network configuration unsuccessful: %v", err)
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

	n.Master = np.Globals.Dev
	msgLevel = np.Globals.MsgLevel

	if n.FailureMode != "" && n.FailureMode != "ignore" && n.FailureMode != "abort" {
		return nil, fmt.Errorf("unsupported \"failure-mode\" value - can be empty or \"ignore\" or \"abort\"")
	}

	return n, nil
}

func CmdAdd(args *skel.CmdArgs) error {
	logger := log.WithField("func", "CmdAdd").WithField("pkg", "plugin")
	logger.Debugf("args %v", args.Args)

	k8sArgs := &K8sArgs{}
	err := types.LoadArgs(args.Args, k8sArgs)
	if err != nil {
		err = fmt.Errorf("Unable to load args: %v", err)
		logger.Errorf(err.Error())
		return err
	}

	n, err := loadConf(args.StdinData)
	if err != nil {
		logger.Error(err)
		return err
	}

	if n.RawPrevResult == nil {
		err = fmt.Errorf("Required prev result is missing")
		logger.Errorf(err.Error())
		return err
	}

	// Parse previous result
	if n.NetConf.RawPrevResult != nil {
		if err = version.ParsePrevResult(&n.NetConf); err != nil {
			logger.Error(err)
			return err
		}
	}

	kc, err := getKubeletClient(true, n.KubeletServerName, n.KubeletPort, n.KubeletCAPath)
	if err != nil {
		err = fmt.Errorf("Failed to get a ResourceClient instance: %v", err)
		logger.Errorf(err.Error())
		return err
	}

	result, err := current.NewResultFromResult(n.PrevResult)
	if err != nil {
		logger.Errorf(err.Error())
		return err
	}

	n.NicInfo, err = kc.GetPodResourceMap(string(k8sArgs.K8S_POD_NAME), string(k8sArgs.K8S_POD_NAMESPACE), n.Master)
	if err != nil {
		logger.Debugf("Pod: %v in namespace %v is not requesting ring tuning", string(k8sArgs.K8S_POD_NAME), string(k8sArgs.K8S_POD_NAMESPACE))
		return types.PrintResult(result, n.CNIVersion)
	}

	if err = n.createConfiguration(kc, string(k8sArgs.K8S_POD_NAMESPACE), string(k8sArgs.K8S_POD_NAME)); err != nil {
		err = fmt.Errorf("Error in reading ring config from annotation %v", err)
		logger.Errorf(err.Error())
		return err
	}

	if len(n.RingInfo) == 0 {
		logger.Debugf("Pod: %v has no ring config annotation", string(k8sArgs.K8S_POD_NAME))
		return types.PrintResult(result, n.CNIVersion)
	}

	for _, e := range n.RingInfo {
		logger.Debugf("For device %s found requested ring sizes rx: %v \ttx: %v", e.Dev, e.RxPending, e.TxPending)
	}

	if err := n.applyRings(args.Netns); err != nil {
		return err
	}

	// Log resulting ring sizes
	n.printRings(args.Netns)

	return types.PrintResult(result, n.CNIVersion)
}

// sharedCeiling is the smallest ring size limit inherited from the master
// interface across shared device allocations, when any exist.
func (n *ringConf) sharedCeiling() (uint32, bool) {
	logger := log.WithField("func", "sharedCeiling").WithField("pkg", "plugin")
	var min uint32
	found := false
	for _, i := range n.NicInfo {
		if !i.Shared || i.MaxPending == "" {
			continue
		}
		v, err := strconv.ParseUint(i.MaxPending, 10, 32)
		if err != nil {
			logger.Errorf("Invalid MaxPending value %v ...skipping", i.MaxPending)
			continue
		}
		if !found || uint32(v) < min {
			min = uint32(v)
			found = true
		}
	}
	return min, found
}

func (n *ringConf) applyRings(nspath string) error {
	logger := log.WithField("func", "applyRings").WithField("pkg", "plugin")

	ceiling, hasCeiling := n.sharedCeiling()

	return withNetNSPath(nspath, func(_ ns.NetNS) error {
		for _, e := range n.RingInfo {
			err := applyEntry(e, ceiling, hasCeiling)
			if err != nil {
				if n.FailureMode == "ignore" {
					logger.Errorf("Failed to set ring sizes of %s: %v ...skipping", e.Dev, err)
					continue
				}
				logger.Errorf("Failed to set ring sizes of %s: %v", e.Dev, err)
				return err
			}
		}
		return nil
	})
}

func applyEntry(e *kubeletclient.RingConfigEntry, ceiling uint32, hasCeiling bool) error {
	logger := log.WithField("func", "applyEntry").WithField("pkg", "plugin")

	if hasCeiling && (e.RxPending > ceiling || e.TxPending > ceiling) {
		return fmt.Errorf("requested ring sizes [rx:%v tx:%v] exceed shared device limit %v", e.RxPending, e.TxPending, ceiling)
	}

	dev, err := nicdevInit(e.Dev, nil, nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.SetRingParams(ringparam.Request{RxPending: e.RxPending, TxPending: e.TxPending}); err != nil {
		return err
	}

	if msgLevel != 0 {
		if err := dev.SetMsgLevel(msgLevel); err != nil {
			logger.Errorf("Failed to set message level of %s: %v", e.Dev, err)
		}
	}

	return nil
}

func CmdCheck(args *skel.CmdArgs) error {
	logger := log.WithField("func", "CmdCheck").WithField("pkg", "plugin")
	k8sArgs := &K8sArgs{
		CommonArgs:                 types.CommonArgs{},
		IP:                         []byte{},
		K8S_POD_NAME:               "",
		K8S_POD_NAMESPACE:          "",
		K8S_POD_INFRA_CONTAINER_ID: "",
	}

	err := types.LoadArgs(args.Args, k8sArgs)
	if err != nil {
		return err
	}

	n, err := loadConf(args.StdinData)
	if err != nil {
		return err
	}

	// CHECK was added in CNI spec version 0.4.0 and higher
	if res, err := version.GreaterThanOrEqualTo(n.CNIVersion, "0.4.0"); err != nil {
		return err
	} else if !res {
		return fmt.Errorf("Configuration version %q does not support the CHECK command", n.CNIVersion)
	}

	// Parse previous result.
	if n.NetConf.RawPrevResult == nil {
		return fmt.Errorf("Required prevResult missing")
	}

	if err := version.ParsePrevResult(&n.NetConf); err != nil {
		return err
	}

	if _, err := current.NewResultFromResult(n.PrevResult); err != nil {
		return err
	}

	kc, err := getKubeletClient(true, n.KubeletServerName, n.KubeletPort, n.KubeletCAPath)
	if err != nil {
		return fmt.Errorf("Failed to get a ResourceClient instance err: %v", err)
	}

	n.NicInfo, err = kc.GetPodResourceMap(string(k8sArgs.K8S_POD_NAME), string(k8sArgs.K8S_POD_NAMESPACE), n.Master)
	if err != nil {
		// pod does not require ring tuning
		return nil
	}

	if err = n.createConfiguration(kc, string(k8sArgs.K8S_POD_NAMESPACE), string(k8sArgs.K8S_POD_NAME)); err != nil {
		logger.Errorf("Error in reading ring config from annotation")
		return err
	}

	for _, e := range n.RingInfo {
		err = validateRingSettings(args.Netns, e)
		if err != nil {
			return err
		}
	}
	return nil
}

func validateRingSettings(nspath string, e *kubeletclient.RingConfigEntry) error {
	logger := log.WithField("func", "validateRingSettings").WithField("pkg", "plugin")
	return withNetNSPath(nspath, func(_ ns.NetNS) error {
		dev, err := nicdevInit(e.Dev, nil, nil)
		if err != nil {
			logger.Errorf("Failed to init device session for %s", e.Dev)
			return err
		}
		defer dev.Close()

		params := dev.RingParams()
		if e.RxPending != 0 && params.RxPending != e.RxPending {
			return fmt.Errorf("Ring sizes do not match on interface:%v [rx:%v want:%v]", e.Dev, params.RxPending, e.RxPending)
		}
		if e.TxPending != 0 && params.TxPending != e.TxPending {
			return fmt.Errorf("Ring sizes do not match on interface:%v [tx:%v want:%v]", e.Dev, params.TxPending, e.TxPending)
		}
		return nil
	})
}

func (n *ringConf) printRings(nspath string) {
	logger := log.WithField("func", "printRings").WithField("pkg", "plugin")
	err := withNetNSPath(nspath, func(_ ns.NetNS) error {
		for _, e := range n.RingInfo {
			dev, err := nicdevInit(e.Dev, nil, nil)
			if err != nil {
				logger.Errorf("Failed to init device session for %s: %v", e.Dev, err)
				continue
			}
			logger.Infof("%s: %+v", e.Dev, dev.RingParams())
			dev.Close()
		}
		return nil
	})
	if err != nil {
		logger.Errorf("Failed to read back ring sizes: %v", err)
	}
}

func CmdDel(args *skel.CmdArgs) error {
	logger := log.WithField("func", "CmdDel").WithField("pkg", "plugin")
	logger.Debugf("args: %v", args.Args)

	k8sArgs := &K8sArgs{}
	err := types.LoadArgs(args.Args, k8sArgs)
	if err != nil {
		err = fmt.Errorf("Unable to load args: %v", err)
		logger.Errorf(err.Error())
		return err
	}

	// ring sizes are torn down together with the pod interface
	logger.Debugf("Nothing to clean up for pod %v", string(k8sArgs.K8S_POD_NAME))
	return nil
}

func (n *ringConf) createConfiguration(kc kubeletclient.KubeletClient, namespace string, pod string) error {
	logger := log.WithField("func", "createConfiguration").WithField("pkg", "plugin")
	ringConfig, err := kc.GetRingConfig(namespace, pod)
	if err != nil {
		logger.Errorf("Error when retrieving ring config annotation")
		return err
	}

	n.RingInfo = ringConfig
	return nil
}
