// Copyright 2025 go-dataspace
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dps

// Trigger identifies what caused a data-plane signal. Every state change of a
// flow is attributed to one of these.
type Trigger uint8

const (
	TriggerUnknown Trigger = iota
	TriggerPolicyMonitor
	TriggerRemoteMessage
	TriggerManualInvocation
	TriggerSystemError
)

func (t Trigger) String() string {
	switch t {
	case TriggerPolicyMonitor:
		return "PolicyMonitor"
	case TriggerRemoteMessage:
		return "RemoteMessage"
	case TriggerManualInvocation:
		return "ManualInvocation"
	case TriggerSystemError:
		return "SystemError"
	default:
		return "Unknown"
	}
}
