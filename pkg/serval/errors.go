// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serval

import "errors"

// Error kinds surfaced across the API surface (spec §7). Parse errors are
// dropped and counted internally; they never reach this list. Transient
// transport errors cause local backoff, not one of these.
var (
	ErrAddressNotAvailable = errors.New("serval: address not available")
	ErrAddressRequired     = errors.New("serval: address required")
	ErrConnectionRefused   = errors.New("serval: connection refused")
	ErrConnectionReset     = errors.New("serval: connection reset")
	ErrBrokenPipe          = errors.New("serval: broken pipe")
	ErrNotConnected        = errors.New("serval: not connected")
	ErrNoBufferSpace       = errors.New("serval: no buffer space")
	ErrNoEntry             = errors.New("serval: no entry")
	ErrMalformed           = errors.New("serval: malformed")
	ErrMessageTooLarge     = errors.New("serval: message too large")
	ErrWouldBlock          = errors.New("serval: would block")
	ErrTimeout             = errors.New("serval: timeout")
)
