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

// Package cli implements the command/script interpreter of spec.md §6
// (the line editor itself is explicitly out of scope; this package
// covers tokenizing, setting expansion, command dispatch, and the
// forward-only `||`/`&&` flow control a fetched script or an autoboot
// sequence executes under). The argv split follows the shape
// cmdlinelib.h's cmdl_getparams declares (the filtered original_source
// tree carries only the declaration, not a body, so quoting rules
// below are this package's own, not recovered from the original).
package cli

import (
	"fmt"
	"strings"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/settings"
)

// tokenize splits line into words on whitespace, honoring single- and
// double-quoted spans as one word each (quotes themselves are
// stripped; no further escaping is recognized inside them).
func tokenize(line string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inWord := false
	var quote byte

	flush := func() {
		if inWord {
			words = append(words, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		if quote != 0 {
			if c == quote {
				quote = 0
				continue
			}
			cur.WriteByte(c)
			continue
		}
		switch {
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == ' ' || c == '\t':
			flush()
		default:
			inWord = true
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, errno.New(errno.InvalidArgument, "cli: unterminated quote")
	}
	flush()
	return words, nil
}

// expandSettings replaces every ${name} or ${name:type} reference in s
// with the named setting's current value, formatted as a string
// (spec.md §6's command-line expansion). An unresolvable name expands
// to the empty string, mirroring the original tree's treatment of an
// unset setting rather than failing the whole command.
func expandSettings(scope *settings.Block, s string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			out.WriteString(s[i:])
			break
		}
		start += i
		out.WriteString(s[i:start])
		end := strings.Index(s[start:], "}")
		if end < 0 {
			return "", errno.New(errno.InvalidArgument, "cli: unterminated ${...} expansion")
		}
		end += start
		name := s[start+2 : end]
		name, _, _ = strings.Cut(name, ":") // the :type suffix only ever repeats the named setting's own type
		val, err := resolveSetting(scope, name)
		if err != nil && !errno.Is(err, errno.NoSuchEntity) {
			return "", err
		}
		out.WriteString(val)
		i = end + 1
	}
	return out.String(), nil
}

func resolveSetting(scope *settings.Block, name string) (string, error) {
	v, err := settings.FetchNamed(scope, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

// tokenizeExpand tokenizes line and expands settings references in
// every resulting word.
func tokenizeExpand(scope *settings.Block, line string) ([]string, error) {
	words, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	for i, w := range words {
		expanded, err := expandSettings(scope, w)
		if err != nil {
			return nil, err
		}
		words[i] = expanded
	}
	return words, nil
}
