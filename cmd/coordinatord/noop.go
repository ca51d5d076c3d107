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

	"github.com/solarisdb/relaycoord/collab"
	"github.com/solarisdb/relaycoord/golibs/logging"
	"github.com/solarisdb/relaycoord/golibs/ulidutils"
)

// loggingEngine is a placeholder collab.TaskEngine for the standalone
// binary: the real upload pipeline is an external collaborator (spec §1)
// that embeds this module as a library and supplies its own engine to
// app.Collaborators. This one only logs what it would have dispatched, so
// `coordinatord run` is runnable on its own for local smoke-testing.
type loggingEngine struct {
	logger logging.Logger
}

func newLoggingEngine() *loggingEngine {
	return &loggingEngine{logger: logging.NewLogger("coordinatord.loggingEngine")}
}

func (e *loggingEngine) AddBatch(_ context.Context, target string, messages []collab.Message, userID string) ([]string, error) {
	ids := make([]string, len(messages))
	for i := range messages {
		ids[i] = ulidutils.NewID()
	}
	e.logger.Infof("AddBatch: target=%s user=%s messages=%d", target, userID, len(messages))
	return ids, nil
}

func (e *loggingEngine) AddSingle(_ context.Context, target string, message collab.Message, userID string) (string, error) {
	e.logger.Infof("AddSingle: target=%s user=%s message=%s", target, userID, message.ID)
	return ulidutils.NewID(), nil
}

func (e *loggingEngine) Cancel(_ context.Context, taskID, userID string) (bool, error) {
	e.logger.Infof("Cancel: task=%s user=%s", taskID, userID)
	return true, nil
}

func (e *loggingEngine) WaitingCount() int    { return 0 }
func (e *loggingEngine) ProcessingCount() int { return 0 }

var _ collab.TaskEngine = (*loggingEngine)(nil)
