package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ringtune/ringtune/pkg/ringconfigtypes"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func FuzzGetNodeConfig(f *testing.F) {
	seed := `
    {
      "NodeConfigs": [
        {
        	"Labels": {
        	    "kubernetes.io/os": "linux"
        	},
        	"Globals": {
			"Dev": "ens123",
			"BusyCheck": true,
			"ReconcileSeconds": 30,
			"MsgLevel": 4
        },
          	"Profiles": [
            		{
              			"Dev": "ens801f0",
				"Driver": "ice",
				"RxPending": 1024,
	            		"TxPending": 1024
            		},
            		{
              			"Dev": "ens801f*",
              			"RxPending": 4096
            		},
            		{
				"Driver": "sfc",
              			"TxPending": 512
            		}
          	]
        }
      ]
    }
	`
	f.Add([]byte(seed))

	masterInterface := "ethx"

	f.Fuzz(func(t *testing.T, fcfg []byte) {
		node := &v1.Node{
			ObjectMeta: metav1.ObjectMeta{
				Labels: map[string]string{
					"labelA": "A",
				},
			},
		}

		// pass fuzzed config by replacing get() function
		getClusterConfig = func(path string) ([]byte, error) {
			return fcfg, nil
		}

		ringsetupConfig, nodeProfile, err := getNodeConfig(node, masterInterface, "foo")

		if err != nil { // getNodeConfig can ONLY return below errors with empty result
			if strings.Contains(err.Error(), "Json Unmarshall error") && ringsetupConfig == "" && nodeProfile == "" {
				return
			} else if strings.Contains(err.Error(), "Node config is empty") && ringsetupConfig == "" && nodeProfile == "" {
				return
			} else if strings.Contains(err.Error(), "Node config has no labels specified") && ringsetupConfig == "" && nodeProfile == "" {
				return
			} else if strings.Contains(err.Error(), "Node config has no ring profiles specified") && ringsetupConfig == "" && nodeProfile == "" {
				return
			} else if strings.Contains(err.Error(), "sets neither RxPending nor TxPending") && ringsetupConfig == "" && nodeProfile == "" {
				return
			} else if strings.Contains(err.Error(), "must be a power of two") && ringsetupConfig == "" && nodeProfile == "" {
				return
			} else if strings.Contains(err.Error(), "has no device pattern and Globals.Dev is empty") && ringsetupConfig == "" && nodeProfile == "" {
				return
			} else if strings.Contains(err.Error(), "Invalid device pattern") && ringsetupConfig == "" && nodeProfile == "" {
				return
			} else {
				t.Errorf("Error: %s, result: %s, for input %s", err.Error(), ringsetupConfig, string(fcfg))
			}
		} else { // OR valid result
			profile := ringconfigtypes.RingNodeProfile{}
			err = json.Unmarshal([]byte(nodeProfile), &profile)
			if err != nil {
				t.Errorf("Unable to unmarshall node profile: %s", nodeProfile)
			}

			if profile.Globals.Dev == "" {
				t.Errorf("Empty .Globals.Dev in result: %s, for input %s", nodeProfile, string(fcfg))
			}

			if len(profile.Profiles) == 0 {
				t.Errorf("No ring profiles in result: %s, for input %s", nodeProfile, string(fcfg))
			}

			for i := range profile.Profiles {
				rx := profile.Profiles[i].RxPending
				tx := profile.Profiles[i].TxPending

				if rx == 0 && tx == 0 {
					t.Errorf("Ring profile %d with no sizes in result, for input %s", i, string(fcfg))
				}

				if (rx != 0 && rx&(rx-1) != 0) || (tx != 0 && tx&(tx-1) != 0) {
					t.Errorf("Ring profile %d with non power of two size in result, for input %s", i, string(fcfg))
				}
			}

			return
		}
	})
}
