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

// Package collab holds the interfaces the coordination core consumes from
// its external collaborators (chat platform, task engine, message bus,
// identity/settings stores) without importing any concrete implementation
// of them. Only Clock and TokenSource ship a default, because every other
// collaborator is genuinely external to this module.
package collab

import (
	"context"
	"time"

	"github.com/solarisdb/relaycoord/golibs/strutil"
)

type (
	// Message is one inbound chat-platform message as seen by the
	// media-group buffer and the task engine it dispatches to.
	Message struct {
		ID        string
		Media     string
		GroupedID string
		Seq       int64
		UserID    string
	}

	// TaskEngine is the downstream upload pipeline. AddBatch is invoked at
	// most once per flushed media group (see mediabuffer).
	TaskEngine interface {
		AddBatch(ctx context.Context, target string, messages []Message, userID string) ([]string, error)
		AddSingle(ctx context.Context, target string, message Message, userID string) (string, error)
		Cancel(ctx context.Context, taskID, userID string) (bool, error)
		WaitingCount() int
		ProcessingCount() int
	}

	// MessageBus is the system-event broadcast collaborator used by
	// coordinator.Broadcast.
	MessageBus interface {
		BroadcastSystemEvent(ctx context.Context, event string, payload any) error
	}

	// RoleStore answers identity/authorization questions. The core never
	// makes policy decisions itself; it only asks.
	RoleStore interface {
		GetRole(ctx context.Context, userID string) (string, error)
		Can(ctx context.Context, userID string, action string) (bool, error)
	}

	// SettingsStore is a generic externally-backed settings facade,
	// unrelated to the coordination KV (spec §1: cloud-drive credential
	// flows and settings are out of scope, but the interface boundary is
	// in scope).
	SettingsStore interface {
		Get(ctx context.Context, key string, def any) (any, error)
		Set(ctx context.Context, key string, value any) error
	}

	// Clock supplies monotonic-enough time to every component that needs
	// "now" so tests can substitute a deterministic implementation.
	Clock interface {
		Now() time.Time
	}

	// TokenSource produces the cryptographically unpredictable fence
	// tokens distlock attaches to lock acquisitions.
	TokenSource interface {
		Token() string
	}

	// SystemClock is the default Clock, backed by time.Now.
	SystemClock struct{}

	// CryptoTokenSource is the default TokenSource, backed by
	// strutil.RandomHash (crypto/rand under the hood).
	CryptoTokenSource struct{}
)

func (SystemClock) Now() time.Time { return time.Now() }

func (CryptoTokenSource) Token() string { return strutil.RandomHash().String() }
