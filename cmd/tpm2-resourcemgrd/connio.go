// Copyright (c) 2024, Google LLC All rights reserved.
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

package main

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/google/tpm2-rm/connection"
	"github.com/google/tpm2-rm/queue"
	"github.com/google/tpm2-rm/resourcemgr"
	"github.com/google/tpm2-rm/wire"
)

// serveConn owns one client socket for its whole life: a reader goroutine
// framing inbound TPM2 commands off the wire and feeding them to the
// resource manager's inbound queue, and a writer goroutine draining the
// connection's own outbound queue back onto the socket. Either side ending
// triggers full teardown of both.
func serveConn(netConn net.Conn, conn *connection.Connection, connMgr *connection.Manager, in *queue.Queue, log *logrus.Entry) {
	log = log.WithField("connection", conn)
	log.Debug("client connected")

	done := make(chan struct{})
	go writeLoop(netConn, conn.Out, done)

	readLoop(netConn, conn, in, log)

	netConn.Close()
	conn.Out.Close()
	<-done
	in.Enqueue(&resourcemgr.ControlMessage{Code: resourcemgr.ConnectionRemoved, Conn: conn})
	connMgr.Remove(conn)
	log.Debug("client disconnected")
}

func readLoop(netConn net.Conn, conn *connection.Connection, in *queue.Queue, log *logrus.Entry) {
	hdr := make([]byte, wire.HeaderSize)
	for {
		if _, err := io.ReadFull(netConn, hdr); err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("read header failed")
			}
			return
		}
		size := binary.BigEndian.Uint32(hdr[2:6])
		if size < wire.HeaderSize {
			log.WithField("size", size).Warn("client sent command shorter than a header")
			return
		}
		buf := make([]byte, size)
		copy(buf, hdr)
		if _, err := io.ReadFull(netConn, buf[wire.HeaderSize:]); err != nil {
			log.WithError(err).Debug("read command body failed")
			return
		}
		in.Enqueue(&resourcemgr.Command{Conn: conn, Buf: buf})
	}
}

func writeLoop(netConn net.Conn, out *queue.Queue, done chan<- struct{}) {
	defer close(done)
	for {
		item, ok := out.Dequeue()
		if !ok {
			return
		}
		buf, ok := item.([]byte)
		if !ok {
			continue
		}
		if _, err := netConn.Write(buf); err != nil {
			netConn.Close() // unblocks readLoop so serveConn tears down
			return
		}
	}
}
