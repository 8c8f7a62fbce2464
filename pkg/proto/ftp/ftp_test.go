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

package ftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePASV(t *testing.T) {
	ip, port, err := parsePASV("227 Entering Passive Mode (192,0,2,10,200,13)")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", ip.String())
	assert.Equal(t, uint16(200*256+13), port)
}

func TestParsePASVMalformed(t *testing.T) {
	_, _, err := parsePASV("227 no parens here")
	assert.Error(t, err)
}

func TestLastReply(t *testing.T) {
	d := &Download{}
	d.ctrlBuf.WriteString("220 Service ready\r\n")
	code, msg, ok := d.lastReply()
	require.True(t, ok)
	assert.Equal(t, 220, code)
	assert.Contains(t, msg, "Service ready")
}

func TestNewDownloadDefaultsAnonymous(t *testing.T) {
	d := NewDownload(nil, nil, "f.img", "", "")
	assert.Equal(t, "anonymous", d.User)
}
