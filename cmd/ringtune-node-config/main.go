// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	. "github.com/ringtune/ringtune/pkg/ringconfigtypes"
)

var (
	defaultRingKubeConfigPath    = "/host/etc/cni/net.d/ringtune-cni.d/ringtune.kubeconfig"
	defaultNodeConfigPath        = "/host/etc/cni/net.d/ringtune-cni.d/node-config"
	defaultRingsetupConfigPath   = "/ringsetup-config/ringsetup.conf"
	defaultRingClusterConfigPath = "/etc/ringtune/ring-cluster-config.json"
	getNetInterfaces             = net.Interfaces
	getClusterConfig             = getClusterConfigFromFile
)

func getNode(nodeName string) (*v1.Node, error) {
	config, err := clientcmd.BuildConfigFromFlags("", defaultRingKubeConfigPath)
	if err != nil {
		return nil, err
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}

	nodes, err := client.CoreV1().Nodes().List(context.TODO(), metav1.ListOptions{
		FieldSelector: "metadata.name=" + nodeName})
	if err != nil {
		return nil, err
	}

	if len(nodes.Items) == 0 {
		return nil, fmt.Errorf("Unable to get node:%s from k8s API", nodeName)
	}

	return &nodes.Items[0], nil
}

func getIfaceName(node *v1.Node) (string, error) {
	if node == nil {
		return "", errors.New("Node is nil")
	}

	var internalIP string
	for _, adr := range node.Status.Addresses {
		if adr.Type == v1.NodeInternalIP {
			internalIP = adr.Address
		}
	}

	if internalIP == "" {
		return "", errors.New("Empty node InternalIP")
	}

	ifaceList, err := getNetInterfaces()
	if err != nil {
		return "", err
	}

	var ifaceName string
	for _, i := range ifaceList {
		addrs, err := i.Addrs()
		if err != nil {
			log.Printf("Unable to get Addrs for interface %v err:%v", i.Name, err)
			continue
		}
		for _, addr := range addrs {
			if strings.Split(addr.String(), "/")[0] == internalIP {
				ifaceName = i.Name
			}
		}
	}

	if ifaceName == "" {
		return "", errors.New("Master interface not found")
	}

	return ifaceName, nil
}

func getClusterConfigFromFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func getMatchingRingNodeConfig(path string, node *v1.Node) (*RingNodeConfig, error) {
	cfg, err := getClusterConfig(path)
	if err != nil {
		return nil, err
	}

	clusterConfig := RingClusterConfig{}
	err = json.Unmarshal(cfg, &clusterConfig)
	if err != nil {
		return nil, fmt.Errorf("Json Unmarshall error: %v", err.Error())
	}

	for _, c := range clusterConfig.NodeConfigs {
		match := true
		for k, v := range c.Labels {
			if node.Labels[k] != v {
				match = false
				break
			}
		}

		if match {
			return &c, nil
		}
	}

	return nil, nil
}

func getRingsetupConfig(nodeConfig RingNodeConfig) (string, error) {
	templ, err := template.New("ringsetup").Parse(
		"[globals]\n" +
			"{{if .Globals.Dev }}dev = {{ .Globals.Dev}}\n{{end}}" +
			"{{if .Globals.BusyCheck}}busy-check = on\n{{else}}busy-check = off\n{{end}}" +
			"{{if ne .Globals.ReconcileSeconds 0}}reconcile-seconds = {{ .Globals.ReconcileSeconds}}\n{{end}}" +
			"{{if ne .Globals.MsgLevel 0}}msglevel = {{ .Globals.MsgLevel}}\n{{end}}\n" +
			"{{range $index, $elem := .Profiles}}" +
			"[ring{{$index}}]\n" +
			"{{if .Dev }}dev = {{ .Dev}}\n{{end}}" +
			"{{if .Driver}}driver = {{ .Driver}}\n{{end}}" +
			"{{if ne .RxPending 0}}rxring = {{ .RxPending}}\n{{end}}" +
			"{{if ne .TxPending 0}}txring = {{ .TxPending}}\n{{end}}" +
			"\n{{end}}")

	if err != nil {
		return "", fmt.Errorf("Unable to parse ringsetup config template err:%s", err.Error())
	}

	result := new(bytes.Buffer)
	err = templ.Execute(result, nodeConfig)

	return result.String(), err
}

func validateNodeConfig(nodeConfig *RingNodeConfig) error {
	if nodeConfig == nil {
		return fmt.Errorf("Node config is empty")
	}

	if len(nodeConfig.Labels) == 0 {
		return fmt.Errorf("Node config has no labels specified")
	}

	if len(nodeConfig.Profiles) == 0 {
		return fmt.Errorf("Node config has no ring profiles specified")
	}

	for i := range nodeConfig.Profiles {
		rx := nodeConfig.Profiles[i].RxPending
		tx := nodeConfig.Profiles[i].TxPending

		if rx == 0 && tx == 0 {
			return fmt.Errorf("Ring profile %d sets neither RxPending nor TxPending", i)
		}

		if rx != 0 && rx&(rx-1) != 0 {
			return fmt.Errorf("Invalid RxPending value: %d for ring profile %d - must be a power of two", rx, i)
		}

		if tx != 0 && tx&(tx-1) != 0 {
			return fmt.Errorf("Invalid TxPending value: %d for ring profile %d - must be a power of two", tx, i)
		}

		pattern := nodeConfig.Profiles[i].Dev
		if pattern == "" {
			pattern = nodeConfig.Globals.Dev
		}

		if pattern == "" {
			return fmt.Errorf("Ring profile %d has no device pattern and Globals.Dev is empty", i)
		}

		if _, err := filepath.Match(pattern, "x"); err != nil {
			return fmt.Errorf("Invalid device pattern: %s for ring profile %d", pattern, i)
		}
	}

	return nil
}

func getNodeConfig(node *v1.Node, ifaceName, path string) (string, string, error) {
	nodeConfig, err := getMatchingRingNodeConfig(path, node)
	if err != nil {
		return "", "", err
	}

	if nodeConfig == nil {
		return "", "", fmt.Errorf("Node config is empty")
	}

	// Use discovered master interface name if not defined in Globals
	if nodeConfig.Globals.Dev == "" {
		nodeConfig.Globals.Dev = ifaceName
	}

	err = validateNodeConfig(nodeConfig)
	if err != nil {
		return "", "", fmt.Errorf("Node config validation error: %v", err)
	}

	ringsetupConfig, err := getRingsetupConfig(*nodeConfig)
	if err != nil {
		return "", "", err
	}

	nodeProfileJson, err := json.MarshalIndent(nodeConfig.RingNodeProfile, "", "    ")
	if err != nil {
		return "", "", err
	}

	return ringsetupConfig, string(nodeProfileJson), nil
}

// writeFileAtomic writes data next to path and renames it into place so the
// daemon watching the profile never reads a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func parseFlags(name string, args []string) (input string, output string, nodeName string, out string, err error) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	var buf bytes.Buffer
	flags.SetOutput(&buf)

	flags.StringVar(&input, "input", defaultRingClusterConfigPath, "path to the cluster ring config")
	flags.StringVar(&output, "output", defaultNodeConfigPath, "path the rendered node ring profile is written to")
	flags.StringVar(&nodeName, "nodename", "", "node to render the profile for, taken from NODE_NAME when empty")

	err = flags.Parse(args)
	out = buf.String()
	return
}

// This is overridden in the linker script
var BuildVersion = "version unknown"

func main() {
	input, output, nodeName, out, err := parseFlags(os.Args[0], os.Args[1:])
	if err == flag.ErrHelp {
		log.Infoln(out)
		os.Exit(2)
	} else if err != nil {
		log.Error(out)
		os.Exit(1)
	}

	log.Debugf("Ring node config renderer version %v", BuildVersion)

	if nodeName == "" {
		nodeName = os.Getenv("NODE_NAME")
	}
	if nodeName == "" {
		log.Error("Unable to get K8s node name from ENV var NODE_NAME")
		os.Exit(1)
	}

	node, err := getNode(nodeName)
	if err != nil {
		log.Errorf("Unable to get node: %v", err)
		os.Exit(1)
	}

	ifaceName, err := getIfaceName(node)
	if err != nil {
		log.Errorf("Unable to get interface name: %v", err)
		os.Exit(1)
	}

	ringsetupConfig, nodeProfile, err := getNodeConfig(node, ifaceName, input)
	if err != nil {
		log.Errorf("Unable to get node config: %v", err)
		os.Exit(1)
	}

	// contains config file for the ringsetup tool
	err = os.WriteFile(defaultRingsetupConfigPath, []byte(ringsetupConfig), 0644)
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}

	// contains the node ring profile consumed by the daemon and the CNI plugin
	err = writeFileAtomic(output, []byte(nodeProfile))
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
