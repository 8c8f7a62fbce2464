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

// Package ftp implements the FTP download client of spec.md §4.12
// (RFC 959): an anonymous login over the control connection, PASV
// data-connection negotiation, and a RETR download — one TCP state
// machine driving the control channel, a second driving the data
// channel, both stepped by the same caller-supplied poll loop as
// pkg/proto/tftp and pkg/proto/dhcp.
package ftp

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/intf"
	"github.com/netboot-go/ipxecore/pkg/kernel"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/proto/dns"
	"github.com/netboot-go/ipxecore/pkg/transport"
	"github.com/netboot-go/ipxecore/pkg/uri"
)

const ControlPort = 21

func init() {
	uri.Register("ftp", openFTP)
}

// openFTP is the "ftp" scheme Opener (spec.md §4.6): the retrieved
// file streams to the plugged upstream once the data connection
// closes, and the pair closes with the transfer's outcome.
func openFTP(req *uri.OpenRequest, upstream *intf.Interface) (*intf.Interface, error) {
	server, err := dns.ResolveViaDevice(req.Dev, req.URI.Host, req.MaxSteps, req.Poll)
	if err != nil {
		return nil, err
	}
	src := intf.New(intf.NewDescriptor(kernel.NewRef(nil), nil))
	intf.Plug(src, upstream)

	dl := NewDownload(req.Dev, server, req.URI.Path, req.URI.User, req.URI.Password)
	dl.Start()
	for i := 0; i < req.MaxSteps && !dl.Done(); i++ {
		dl.Poll()
		req.Poll()
	}
	if !dl.Done() {
		werr := errno.New(errno.TimedOut, "ftp: deadline exceeded")
		intf.Shutdown(src, werr)
		return nil, werr
	}
	intf.Call[intf.DeliverFunc](src, intf.OpDeliver, func(fn intf.DeliverFunc) { fn(dl.Body()) })
	intf.Shutdown(src, nil)
	return src, nil
}

// Download retrieves one file via anonymous FTP RETR.
type Download struct {
	Dev      *netdev.Device
	Server   net.IP
	Filename string
	User     string
	Pass     string

	ctrl     *transport.Conn
	data     *transport.Conn
	ctrlBuf  bytes.Buffer
	dataBuf  bytes.Buffer
	dataDone bool
	step     int
}

// NewDownload constructs a Download of filename from server, logging
// in as user/pass (use "anonymous"/"ipxe@" for anonymous access).
func NewDownload(dev *netdev.Device, server net.IP, filename, user, pass string) *Download {
	if user == "" {
		user, pass = "anonymous", "ipxe@"
	}
	return &Download{Dev: dev, Server: server, Filename: filename, User: user, Pass: pass}
}

// Start opens the control connection and plugs the reply buffer onto
// its data interface.
func (d *Download) Start() {
	d.ctrl = transport.Dial(d.Dev, nil, d.Server, 0, ControlPort, d.Server.To4() == nil)
	d.ctrl.AttachConsumer(func(b []byte) { d.ctrlBuf.Write(b) }, nil, nil)
}

// Poll steps both TCP connections and advances the login/PASV/RETR
// sequence as replies arrive; call once per scheduler pass.
func (d *Download) Poll() {
	d.ctrl.Poll()
	if d.data != nil {
		d.data.Poll()
	}
	d.advance()
}

// Body returns the bytes received so far over the data connection.
func (d *Download) Body() []byte { return d.dataBuf.Bytes() }

// Done reports whether the data connection has closed (transfer
// complete, per RFC 959's "226 Transfer complete" + peer FIN).
func (d *Download) Done() bool { return d.dataDone }

func (d *Download) advance() {
	switch d.step {
	case 0:
		if d.ctrl.State != transport.Established {
			return
		}
		if code, _, ok := d.lastReply(); ok && code == 220 {
			d.send(fmt.Sprintf("USER %s\r\n", d.User))
			d.step = 1
		}
	case 1:
		if code, _, ok := d.lastReply(); ok {
			if code == 331 {
				d.send(fmt.Sprintf("PASS %s\r\n", d.Pass))
				d.step = 2
			} else if code == 230 {
				d.send("TYPE I\r\n")
				d.step = 3
			}
		}
	case 2:
		if code, _, ok := d.lastReply(); ok && code == 230 {
			d.send("TYPE I\r\n")
			d.step = 3
		}
	case 3:
		if code, _, ok := d.lastReply(); ok && code == 200 {
			d.send("PASV\r\n")
			d.step = 4
		}
	case 4:
		if code, msg, ok := d.lastReply(); ok && code == 227 {
			ip, port, err := parsePASV(msg)
			if err == nil {
				d.data = transport.Dial(d.Dev, nil, ip, 0, port, false)
				d.data.AttachConsumer(
					func(b []byte) { d.dataBuf.Write(b) },
					nil,
					func(error) { d.dataDone = true },
				)
				d.step = 5
			}
		}
	case 5:
		if d.data.State != transport.Established {
			return
		}
		d.send(fmt.Sprintf("RETR %s\r\n", d.Filename))
		d.step = 6
	case 6:
		if code, _, ok := d.lastReply(); ok && (code == 150 || code == 125) {
			d.step = 7
		}
	case 7:
		if code, _, ok := d.lastReply(); ok && code == 226 {
			d.dataDone = true
			d.step = 8
		}
	}
}

func (d *Download) send(line string) {
	if err := d.ctrl.Send([]byte(line)); err != nil {
		_ = err
	}
}

// lastReply returns the most recently parsed single-line reply (or
// the first line of a multi-line reply) from the control buffer.
func (d *Download) lastReply() (code int, msg string, ok bool) {
	buf := d.ctrlBuf.Bytes()
	idx := bytes.LastIndex(buf, []byte("\r\n"))
	if idx < 0 {
		return 0, "", false
	}
	lineStart := bytes.LastIndex(buf[:idx], []byte("\r\n"))
	if lineStart < 0 {
		lineStart = -2
	}
	line := string(buf[lineStart+2 : idx])
	if len(line) < 3 {
		return 0, "", false
	}
	c, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, "", false
	}
	return c, line, true
}

// parsePASV parses a 227 reply's "(h1,h2,h3,h4,p1,p2)" address per
// RFC 959 §4.1.2.
func parsePASV(msg string) (net.IP, uint16, error) {
	open := strings.Index(msg, "(")
	shut := strings.Index(msg, ")")
	if open < 0 || shut < 0 || shut < open {
		return nil, 0, errno.New(errno.Protocol, "ftp: malformed PASV reply")
	}
	parts := strings.Split(msg[open+1:shut], ",")
	if len(parts) != 6 {
		return nil, 0, errno.New(errno.Protocol, "ftp: malformed PASV address")
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, 0, errno.New(errno.Protocol, "ftp: malformed PASV octet")
		}
		nums[i] = n
	}
	ip := net.IPv4(byte(nums[0]), byte(nums[1]), byte(nums[2]), byte(nums[3]))
	port := uint16(nums[4])<<8 | uint16(nums[5])
	return ip, port, nil
}
