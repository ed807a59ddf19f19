// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2023 Ringtune Authors

package kubeletclient

import (
	"encoding/json"

	v1 "k8s.io/api/core/v1"
	podresourcesapi "k8s.io/kubelet/pkg/apis/podresources/v1"
)

type KubeletClientMock struct {
	ResourceMap         []*ResourceInfo
	PodResources        []*podresourcesapi.PodResources
	GetResourceMapErr   error
	GetPodListErr       error
	SyncPodResourcesErr error

	RingConfig       []*RingConfigEntry
	GetRingConfigErr error
}

func (kcm *KubeletClientMock) GetPodResourceMap(podName string, podNamespace string,
	master string) ([]*ResourceInfo, error) {
	return kcm.ResourceMap, kcm.GetResourceMapErr
}

func (kcm *KubeletClientMock) GetRingConfig(podNamespace string,
	podName string) ([]*RingConfigEntry, error) {
	return kcm.RingConfig, kcm.GetRingConfigErr
}

func (kcm *KubeletClientMock) GetPodList() (*v1.PodList, error) {
	podList := &v1.PodList{}
	pod := GenerateFakePod()
	podList.Items = append(podList.Items, *pod)
	return podList, kcm.GetPodListErr
}

func (kcm *KubeletClientMock) GetPodResources() []*podresourcesapi.PodResources {
	return kcm.PodResources
}

func (kcm *KubeletClientMock) SyncPodResources() error {
	return kcm.SyncPodResourcesErr
}

func GenerateFakePod() *v1.Pod {
	b := []byte(ringContainerDump)
	pod := &v1.Pod{}
	_ = json.Unmarshal(b, pod)
	return pod
}

const ringContainerDump = `
{
    "apiVersion": "v1",
    "kind": "Pod",
    "metadata": {
        "annotations": {
            "kubectl.kubernetes.io/last-applied-configuration": "{\"apiVersion\":\"v1\",\"kind\":\"Pod\",\"metadata\":{\"annotations\":{\"ring.ringtune.io/ring-config\":\"[ { \\\"dev\\\": \\\"net1\\\", \\\"rx-pending\\\": 1024, \\\"tx-pending\\\": 2048 } ]\"},\"name\":\"flowmon\",\"namespace\":\"monitoring\"},\"spec\":{\"containers\":[{\"command\":[\"/usr/bin/flowmon\",\"--config\",\"/etc/flowmon/flowmon.yaml\"],\"image\":\"quay.io/ringtune/flowmon:0.4.2\",\"name\":\"flowmon\",\"ports\":[{\"containerPort\":4739,\"protocol\":\"UDP\"}],\"resources\":{\"limits\":{\"ringtune.io/nic\":1}},\"volumeMounts\":[{\"mountPath\":\"/var/lib/flowmon\",\"name\":\"spool\"},{\"mountPath\":\"/etc/flowmon\",\"name\":\"config\"}]}],\"nodeSelector\":{\"kubernetes.io/hostname\":\"worker-03\"},\"restartPolicy\":\"Always\",\"volumes\":[{\"emptyDir\":{},\"name\":\"spool\"},{\"configMap\":{\"items\":[{\"key\":\"flowmon-config\",\"path\":\"flowmon.yaml\"}],\"name\":\"flowmon-config\"},\"name\":\"config\"}]}}\n",
            "ring.ringtune.io/ring-config": "[ { \"dev\": \"net1\", \"rx-pending\": 1024, \"tx-pending\": 2048 } ]"
        },
        "creationTimestamp": "2023-03-08T14:27:31Z",
        "name": "flowmon",
        "namespace": "monitoring",
        "resourceVersion": "8841207",
        "uid": "3e1a7c55-9c0e-4f0a-b1d2-55c6a8f1e9d4"
    },
    "spec": {
        "containers": [
            {
                "command": [
                    "/usr/bin/flowmon",
                    "--config",
                    "/etc/flowmon/flowmon.yaml"
                ],
                "image": "quay.io/ringtune/flowmon:0.4.2",
                "imagePullPolicy": "IfNotPresent",
                "name": "flowmon",
                "ports": [
                    {
                        "containerPort": 4739,
                        "protocol": "UDP"
                    }
                ],
                "resources": {
                    "limits": {
                        "ringtune.io/nic": "1"
                    },
                    "requests": {
                        "ringtune.io/nic": "1"
                    }
                },
                "terminationMessagePath": "/dev/termination-log",
                "terminationMessagePolicy": "File",
                "volumeMounts": [
                    {
                        "mountPath": "/var/lib/flowmon",
                        "name": "spool"
                    },
                    {
                        "mountPath": "/etc/flowmon",
                        "name": "config"
                    },
                    {
                        "mountPath": "/var/run/secrets/kubernetes.io/serviceaccount",
                        "name": "kube-api-access-m8t5w",
                        "readOnly": true
                    }
                ]
            }
        ],
        "dnsPolicy": "ClusterFirst",
        "enableServiceLinks": true,
        "nodeName": "worker-03",
        "nodeSelector": {
            "kubernetes.io/hostname": "worker-03"
        },
        "preemptionPolicy": "PreemptLowerPriority",
        "priority": 0,
        "restartPolicy": "Always",
        "schedulerName": "default-scheduler",
        "securityContext": {},
        "serviceAccount": "default",
        "serviceAccountName": "default",
        "terminationGracePeriodSeconds": 30,
        "tolerations": [
            {
                "effect": "NoExecute",
                "key": "node.kubernetes.io/not-ready",
                "operator": "Exists",
                "tolerationSeconds": 300
            },
            {
                "effect": "NoExecute",
                "key": "node.kubernetes.io/unreachable",
                "operator": "Exists",
                "tolerationSeconds": 300
            }
        ],
        "volumes": [
            {
                "emptyDir": {},
                "name": "spool"
            },
            {
                "configMap": {
                    "defaultMode": 420,
                    "items": [
                        {
                            "key": "flowmon-config",
                            "path": "flowmon.yaml"
                        }
                    ],
                    "name": "flowmon-config"
                },
                "name": "config"
            },
            {
                "name": "kube-api-access-m8t5w",
                "projected": {
                    "defaultMode": 420,
                    "sources": [
                        {
                            "serviceAccountToken": {
                                "expirationSeconds": 3607,
                                "path": "token"
                            }
                        },
                        {
                            "configMap": {
                                "items": [
                                    {
                                        "key": "ca.crt",
                                        "path": "ca.crt"
                                    }
                                ],
                                "name": "kube-root-ca.crt"
                            }
                        },
                        {
                            "downwardAPI": {
                                "items": [
                                    {
                                        "fieldRef": {
                                            "apiVersion": "v1",
                                            "fieldPath": "metadata.namespace"
                                        },
                                        "path": "namespace"
                                    }
                                ]
                            }
                        }
                    ]
                }
            }
        ]
    },
    "status": {
        "conditions": [
            {
                "lastProbeTime": null,
                "lastTransitionTime": "2023-03-08T14:27:31Z",
                "status": "True",
                "type": "Initialized"
            },
            {
                "lastProbeTime": null,
                "lastTransitionTime": "2023-03-08T14:27:36Z",
                "status": "True",
                "type": "Ready"
            },
            {
                "lastProbeTime": null,
                "lastTransitionTime": "2023-03-08T14:27:36Z",
                "status": "True",
                "type": "ContainersReady"
            },
            {
                "lastProbeTime": null,
                "lastTransitionTime": "2023-03-08T14:27:31Z",
                "status": "True",
                "type": "PodScheduled"
            }
        ],
        "containerStatuses": [
            {
                "containerID": "containerd://8c41fd90b6e2a7f45c4873ab6da027e3194cf5aed0c36be0ff321a1c95e0b14a",
                "image": "quay.io/ringtune/flowmon:0.4.2",
                "imageID": "quay.io/ringtune/flowmon@sha256:7b4f2a90cce1e6a8d5a1a6c43a816a13d2e0cbb80d2ba1c5a585b74b238bd302",
                "lastState": {},
                "name": "flowmon",
                "ready": true,
                "restartCount": 0,
                "started": true,
                "state": {
                    "running": {
                        "startedAt": "2023-03-08T14:27:35Z"
                    }
                }
            }
        ],
        "hostIP": "192.168.120.11",
        "phase": "Running",
        "podIP": "10.244.2.17",
        "podIPs": [
            {
                "ip": "10.244.2.17"
            }
        ],
        "qosClass": "BestEffort",
        "startTime": "2023-03-08T14:27:31Z"
    }
}
`
