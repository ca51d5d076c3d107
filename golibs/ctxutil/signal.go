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
package ctxutil

import (
	"context"
	"os"
	"os/signal"
)

// NewSignalsContext returns a context.Context that will be closed by one of the provided syscall.Signal(s)
func NewSignalsContext(signals ...os.Signal) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal)
	signal.Notify(quit, signals...)
	go func() {
		<-quit
		cancel()
	}()
	return ctx
}
