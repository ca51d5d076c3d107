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

// coordinatord is the operator CLI and long-running process for the
// distributed coordination core: `run` starts a replica, the `locks` and
// `instances` sub-commands give on-call operators read/recovery access to
// the shared coordination state without standing up the whole process.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coordinatord",
		Short: "Distributed coordination core for the multi-replica bot",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a JSON or YAML config file")
	root.AddCommand(newRunCmd())
	root.AddCommand(newLocksCmd())
	root.AddCommand(newInstancesCmd())
	return root
}
