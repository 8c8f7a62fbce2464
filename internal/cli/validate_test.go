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

package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateScriptAcceptsKnownCommands(t *testing.T) {
	script := "#!ipxe\nset net0/ip 10.0.2.15 && echo ok\ndhcp net0 || echo failed\n"
	require.NoError(t, ValidateScript(script))
}

func TestValidateScriptRejectsUnknownCommand(t *testing.T) {
	err := ValidateScript("frobnicate net0\n")
	require.Error(t, err)
}

func TestValidateScriptRejectsUnterminatedQuote(t *testing.T) {
	err := ValidateScript(`echo "unterminated`)
	require.Error(t, err)
}

func TestValidateScriptAcceptsRegisteredSchemes(t *testing.T) {
	script := "chain http://boot.example.com/ipxe\nimgfetch tftp://192.0.2.1/pxelinux.0\n"
	require.NoError(t, ValidateScript(script))
}

func TestValidateScriptRejectsUnregisteredScheme(t *testing.T) {
	err := ValidateScript("chain gopher://example.com/boot\n")
	require.Error(t, err)
}
