// Copyright 2023 Kami
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

// Package reactor is a non-blocking TCP networking library built around the
// classic reactor pattern, with an optional one-loop-per-goroutine dispatch
// topology. Applications build servers and clients by attaching callbacks
// (new connection, message, close, error) to Connections whose I/O is driven
// by edge-triggered readiness notifications from the kernel.
package reactor
