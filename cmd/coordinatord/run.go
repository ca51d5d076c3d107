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
	"os"
	"syscall"

	"github.com/solarisdb/relaycoord/golibs/ctxutil"
	"github.com/solarisdb/relaycoord/pkg/app"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a coordination-core replica until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.BuildConfig(cfgFile)
			if err != nil {
				return err
			}

			a, err := app.New(*cfg, app.Collaborators{Engine: newLoggingEngine()})
			if err != nil {
				return err
			}

			sigCtx := ctxutil.NewSignalsContext(os.Interrupt, syscall.SIGTERM)
			ctx, cancelErr := ctxutil.WithCancelError(sigCtx)
			defer cancelErr(nil)

			code := a.Run(ctx)
			os.Exit(code)
			return nil
		},
	}
}
