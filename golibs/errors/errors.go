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
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// General errors that any component of the coordination core may return. Use
// errors.Is (or this package's Is, which additionally understands gRPC status
// codes) to test for them; never compare with ==, callers almost always wrap
// these with fmt.Errorf("...: %w", ...).
var (
	ErrNotExist      = errors.New("object does not exist")
	ErrExist         = errors.New("object already exists")
	ErrConflict      = errors.New("conflict, operation cannot be applied")
	ErrInvalid       = errors.New("invalid value or state")
	ErrClosed        = errors.New("object is already closed")
	ErrExhausted     = errors.New("resource is exhausted")
	ErrUnimplemented = errors.New("not implemented")
	ErrInternal      = errors.New("internal error")
	ErrDataLoss      = errors.New("data loss or corruption")
	ErrCanceled      = errors.New("operation was canceled")
	ErrNotAuthorized = errors.New("not authorized")
	ErrCommunication = errors.New("communication error")

	// ErrDuplicate is returned when an operation is rejected because the same
	// logical item was already observed (media-group message dedup).
	ErrDuplicate = errors.New("duplicate")
	// ErrLockHeld is returned when a named lock is currently held by another owner.
	ErrLockHeld = errors.New("lock is held by another owner")
	// ErrProviderFatal is returned when every configured transport backend is
	// unavailable and there is nothing left to fail over to.
	ErrProviderFatal = errors.New("all providers are unavailable")
	// ErrUnrecoverable marks an error the shutdown supervisor must treat as fatal.
	ErrUnrecoverable = errors.New("unrecoverable error")
)

const jsonErrorMarker = " eobj "

// Is reports whether err matches target, the same way errors.Is does, but it
// additionally recognizes gRPC status-coded errors and maps them back to the
// general error they represent before comparing.
func Is(err, target error) bool {
	if errors.Is(err, target) {
		return true
	}
	if mapped := FromGRPCError(err); mapped != nil {
		return errors.Is(mapped, target)
	}
	return false
}

// EmbedObject serializes obj as JSON and appends it to err's message so that
// ExtractObject can later recover it, while the result still satisfies
// Is(result, err). obj and err must not be nil, and err must not already
// carry an embedded object.
func EmbedObject(obj any, err error) error {
	if err == nil {
		panic("errors.EmbedObject(): err must not be nil")
	}
	if obj == nil {
		panic("errors.EmbedObject(): obj must not be nil")
	}
	if strings.Contains(err.Error(), jsonErrorMarker) {
		panic("errors.EmbedObject(): err already has an embedded object")
	}
	b, mErr := json.Marshal(obj)
	if mErr != nil {
		panic(fmt.Sprintf("errors.EmbedObject(): could not marshal obj: %v", mErr))
	}
	return fmt.Errorf("%w%s%s%s", err, jsonErrorMarker, string(b), jsonErrorMarker)
}

// ExtractObject looks for an object embedded by EmbedObject in err's message
// and, if found, unmarshals it into target, returning whether it succeeded.
func ExtractObject(err error, target any) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	i1 := strings.Index(s, jsonErrorMarker)
	if i1 < 0 {
		return false
	}
	rest := s[i1+len(jsonErrorMarker):]
	i2 := strings.Index(rest, jsonErrorMarker)
	if i2 < 0 {
		return false
	}
	return json.Unmarshal([]byte(rest[:i2]), target) == nil
}
