// Copyright 2024 Alexandre Mahdhaoui
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

// Package constants holds small cross-package identifiers that do not
// belong to any single subsystem.
package constants

type contextKey string

// ServerNameContextKey tags a context with the name of the server that
// created it, so log lines emitted during request handling can be
// attributed to the right listener (metrics, pprof, ...).
const ServerNameContextKey contextKey = "server-name"
