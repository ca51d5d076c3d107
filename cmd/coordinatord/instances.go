// Copyright 2023 The acquirecloud Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"

	"github.com/solarisdb/relaycoord/coordinator"
	"github.com/solarisdb/relaycoord/kvs/distlock"
	"github.com/solarisdb/relaycoord/pkg/app"
	"github.com/spf13/cobra"
)

func newInstancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Inspect replica instances registered in the coordination backend",
	}
	cmd.AddCommand(newInstancesListCmd())
	return cmd
}

func newInstancesListCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "list",
		Short: "List active (or, with --all, every known) replica instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.BuildConfig(cfgFile)
			if err != nil {
				return err
			}
			storage, err := app.NewStorage(*cfg)
			if err != nil {
				return err
			}
			locks := distlock.NewManager(storage)
			defer locks.Shutdown()
			coord := coordinator.New(storage, locks, nil, nil, cfg.InstanceID, cfg.Hostname, coordinator.Options{
				HeartbeatInterval: -1, InstanceTimeout: -1,
			})

			ctx := context.Background()
			var instances []coordinator.InstanceInfo
			if all {
				instances, err = coord.GetAllInstances(ctx)
			} else {
				instances, err = coord.GetActiveInstances(ctx)
			}
			if err != nil {
				return err
			}
			for _, inst := range instances {
				fmt.Printf("%s\thost=%s\tstatus=%s\tlastHeartbeat=%s\n", inst.ID, inst.Hostname, inst.Status, inst.LastHeartbeat)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&all, "all", false, "include instances past their heartbeat timeout")
	return c
}
