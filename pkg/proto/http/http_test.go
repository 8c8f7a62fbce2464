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

package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryParseContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	resp, complete := tryParse([]byte(raw))
	require.True(t, complete)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "hello", string(resp.Body))
}

func TestTryParseIncomplete(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nhel"
	_, complete := tryParse([]byte(raw))
	assert.False(t, complete)
}

func TestDecodeChunked(t *testing.T) {
	raw := "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	out, complete := decodeChunked([]byte(raw))
	require.True(t, complete)
	assert.Equal(t, "hello world", string(out))
}

func TestDecodeChunkedIncomplete(t *testing.T) {
	raw := "5\r\nhel"
	_, complete := decodeChunked([]byte(raw))
	assert.False(t, complete)
}

func TestBuildRequest(t *testing.T) {
	req := buildRequest("example.com", "/boot.ipxe")
	assert.Contains(t, req, "GET /boot.ipxe HTTP/1.1\r\n")
	assert.Contains(t, req, "Host: example.com\r\n")
}
