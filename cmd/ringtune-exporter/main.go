// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ringtune/ringtune/pkg/kubeletclient"
	podresourcesapi "k8s.io/kubelet/pkg/apis/podresources/v1"

	"github.com/safchain/ethtool"

	"golang.org/x/time/rate"
)

var (
	addr = flag.String("address", ":33000", "Address on which metrics are exposed")

	ringMetricNames = []string{
		"rx_pending",
		"tx_pending",
		"rx_max_pending",
		"tx_max_pending",
		"link_up",
	}
)

const (
	envNodeName    = "NODE_NAME"
	unallocatedStr = "unallocated"
)

type ethtoolInterface interface {
	DriverName(intf string) (string, error)
	BusInfo(intf string) (string, error)
	GetRing(intf string) (ethtool.Ring, error)
	LinkState(intf string) (uint32, error)
}

type ringCollector struct {
	entries   map[string]*prometheus.Desc
	ethHandle ethtoolInterface
}

var (
	getNetInterfaces = net.Interfaces
	getEthtool       = func() (ethtoolInterface, error) { return ethtool.NewEthtool() }
	getKubeletClient = kubeletclient.GetKubeletClient
)

type interfaceStats map[string]uint64

type prometheusHandler struct {
	handler http.Handler
}

var limiter = rate.NewLimiter(1, 3)

func (ph *prometheusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Only GET requests are allowed!", http.StatusMethodNotAllowed)
		return
	}
	if !limiter.Allow() {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}
	ph.handler.ServeHTTP(w, r)
}

// getRingStats() retrieves the ring sizes and the link state (equivalent to ethtool -g)
// from all the interfaces that expose ring controls
func (rc *ringCollector) getRingStats() (map[string]interfaceStats, error) {
	logger := log.WithField("func", "getRingStats")
	if rc.ethHandle == nil {
		return nil, fmt.Errorf("ethtool handler not initialized")
	}

	ifs, err := getNetInterfaces()
	if err != nil {
		return nil, fmt.Errorf("Unable to get network interfaces err:%v", err)
	}

	result := map[string]interfaceStats{}
	for _, i := range ifs {
		ring, err := rc.ethHandle.GetRing(i.Name)
		if err != nil {
			logger.Debugf("Unable to get ring parameters for interface:%v skipping", i.Name)
			continue
		}

		state, err := rc.ethHandle.LinkState(i.Name)
		if err != nil {
			logger.Debugf("Unable to get link state for interface %v err: %v - skipping", i.Name, err)
			continue
		}

		stats := interfaceStats{
			"rx_pending":     uint64(ring.RxPending),
			"tx_pending":     uint64(ring.TxPending),
			"rx_max_pending": uint64(ring.RxMaxPending),
			"tx_max_pending": uint64(ring.TxMaxPending),
			"link_up":        uint64(0),
		}
		if state != 0 {
			stats["link_up"] = 1
		}

		result[i.Name] = stats
	}
	return result, nil
}

// NewRingCollector() returns new ring collector with initialized Description map (prometheus.Desc)
// for the ring gauges
func NewRingCollector() (*ringCollector, error) {
	eth, err := getEthtool()
	if err != nil {
		return nil, fmt.Errorf("Unable to create ethtool handler:%v", err)
	}

	rc := &ringCollector{
		ethHandle: eth,
	}
	if _, err := rc.getRingStats(); err != nil {
		return nil, fmt.Errorf("Unable to retrieve ring stats:%v", err)
	}

	entries := map[string]*prometheus.Desc{}
	for _, name := range ringMetricNames {
		entries[name] = prometheus.NewDesc(
			prometheus.BuildFQName("", "ringtune", name),
			name,
			[]string{"ringtune_node_name", "ringtune_nic", "ringtune_driver",
				"ringtune_pod_name", "ringtune_pod_namespace", "ringtune_container_name",
				"ringtune_pod_resource"},
			nil,
		)
	}

	rc.entries = entries
	return rc, nil
}

func init() {
	log.SetLevel(log.DebugLevel)
}

func main() {
	logger := log.WithField("func", "main")
	flag.Parse()

	collector, err := NewRingCollector()
	if err != nil {
		logger.Errorf("Error when creating ring collector: %v", err)
		os.Exit(1)
	}
	prometheus.MustRegister(collector)

	http.Handle("/metrics", &prometheusHandler{handler: promhttp.Handler()})
	err = http.ListenAndServe(*addr, nil)
	if err != nil {
		logger.Errorf("ringtune-exporter http server returned:%v", err)
		os.Exit(1)
	}
}

type ringLabels struct {
	podName          string
	podNamespace     string
	containerName    string
	podResource      string
	driver           string
	networkInterface string
	nodeName         string
}

// getLabels() does the lookup through pod resource and returns the pod information (name, namespace, etc) if
// one of its allocated devices sits on the provided PCI bus address
func getLabels(podResource *podresourcesapi.PodResources, busInfo string) ringLabels {
	labels := ringLabels{}
	if busInfo == "" {
		return labels
	}
	for _, c := range podResource.Containers {
		for _, d := range c.Devices {
			if d.ResourceName != kubeletclient.NicResourceName && d.ResourceName != kubeletclient.NicSharedResourceName {
				continue
			}
			for _, id := range d.DeviceIds {
				if id == busInfo {
					labels.podName = podResource.Name
					labels.podNamespace = podResource.Namespace
					labels.containerName = c.Name
					labels.podResource = d.ResourceName
				}
			}
		}
	}
	return labels
}

// Describe() sends descriptions to the prometheus channel
func (rc *ringCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, e := range rc.entries {
		ch <- e
	}
}

// Collect() reads the ring state of the node interfaces, attributes each interface to the pod
// holding its device, creates prometheus metrics and sends them to prometheus channel
func (rc *ringCollector) Collect(ch chan<- prometheus.Metric) {
	logger := log.WithField("func", "Collect")
	ifStats, err := rc.getRingStats()
	if err != nil {
		logger.Errorf("Unable to retrieve ring stats:%v", err)
		return
	}

	kc, err := getKubeletClient(false, "", "", "")
	if err != nil {
		logger.Errorf("Unable to get kubeletclient:%v", err)
		return
	}

	for interfaceName, interfaceStats := range ifStats {
		busInfo, err := rc.ethHandle.BusInfo(interfaceName)
		if err != nil {
			logger.Debugf("Cannot read bus info of interface:%v...skipping attribution err %v",
				interfaceName, err)
			busInfo = ""
		}

		labels := ringLabels{}
		for _, p := range kc.GetPodResources() {
			labels = getLabels(p, busInfo)
			if labels.podName != "" {
				break // pod found
			}
		}

		if labels.podName == "" {
			labels.podName = unallocatedStr
			labels.podNamespace = unallocatedStr
		}

		driver, err := rc.ethHandle.DriverName(interfaceName)
		if err != nil {
			logger.Debugf("Unable to get driver info for interface:%v", interfaceName)
		}
		labels.driver = driver
		labels.networkInterface = interfaceName
		labels.nodeName = os.Getenv(envNodeName)

		for key, value := range interfaceStats {
			if _, exists := rc.entries[key]; exists {
				ch <- prometheus.MustNewConstMetric(rc.entries[key], prometheus.GaugeValue, float64(value),
					labels.nodeName,
					labels.networkInterface,
					labels.driver,
					labels.podName,
					labels.podNamespace,
					labels.containerName,
					labels.podResource,
				)
			}
		}
	}
}
