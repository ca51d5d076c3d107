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

	"github.com/solarisdb/relaycoord/kvs/distlock"
	"github.com/solarisdb/relaycoord/pkg/app"
	"github.com/spf13/cobra"
)

func newLocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect or recover distributed locks",
	}
	cmd.AddCommand(newLocksListCmd())
	cmd.AddCommand(newLocksStatusCmd())
	cmd.AddCommand(newLocksReleaseCmd())
	return cmd
}

func newLocksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every named lock currently present in the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			locks, err := buildLockManager()
			if err != nil {
				return err
			}
			defer locks.Shutdown()
			ctx := context.Background()
			names, err := locks.ListNames(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				st, err := locks.GetStatus(ctx, name)
				if err != nil {
					fmt.Printf("%s\t<error: %s>\n", name, err)
					continue
				}
				fmt.Printf("%s\tstatus=%s\towner=%s\tremainingMs=%d\n", name, st.Status, st.Owner, st.RemainingMs)
			}
			return nil
		},
	}
}

// buildLockManager constructs just the kvs+distlock layers against the
// configured backend, without standing up the rest of the coordination
// core, for on-call recovery operations (spec §4.6).
func buildLockManager() (*distlock.Manager, error) {
	cfg, err := app.BuildConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	storage, err := app.NewStorage(*cfg)
	if err != nil {
		return nil, err
	}
	return distlock.NewManager(storage), nil
}

func newLocksStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Print the current status of a named lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locks, err := buildLockManager()
			if err != nil {
				return err
			}
			defer locks.Shutdown()
			st, err := locks.GetStatus(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("status=%s owner=%s version=%s remainingMs=%d heartbeatCount=%d\n",
				st.Status, st.Owner, st.Version, st.RemainingMs, st.HeartbeatCount)
			return nil
		},
	}
}

func newLocksReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <name>",
		Short: "Forcibly release a named lock (recovery paths only, spec §4.2)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locks, err := buildLockManager()
			if err != nil {
				return err
			}
			defer locks.Shutdown()
			if !locks.ForceRelease(args[0]) {
				return fmt.Errorf("could not force-release lock %q", args[0])
			}
			fmt.Printf("lock %q released\n", args[0])
			return nil
		},
	}
}
