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

package accessbroker

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/google/tpm2-rm/tpm2const"
	"github.com/google/tpm2-rm/wire"
)

// maxResponse is the largest response buffer the device implementation
// will read, matching the TPM 2.0 command/response buffer ceiling used by
// tpmutil.RunCommand.
const maxResponse = 4096

// Device is a Broker backed by a TPM character device or resource-manager
// socket, following the Send-over-io.ReadWriteCloser shape of
// direct/transport/tpm.go's LocalTPM.
type Device struct {
	rw   io.ReadWriteCloser
	poll *os.File // non-nil when rw is a pollable character device
	log  *logrus.Entry
}

// NewDevice wraps rw (typically an opened /dev/tpmrm0 or /dev/tpm0) as a
// Broker.
func NewDevice(rw io.ReadWriteCloser, log *logrus.Entry) *Device {
	return &Device{rw: rw, log: log}
}

// OpenDevice opens the TPM character device at path (typically
// /dev/tpmrm0) and wraps it as a Broker. It stats the opened file to
// confirm it is actually a device node, following
// canonical-go-tpm2/device_linux.go's OpenTPMDevice, and keeps the *os.File
// around so SendCommand can wait on it with unix.Poll before reading, the
// same blocking-read discipline google-go-tpm's tpmutil.Poll gives
// RunCommand on Linux.
func OpenDevice(path string, log *logrus.Entry) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("accessbroker: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("accessbroker: stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeDevice == 0 {
		f.Close()
		return nil, fmt.Errorf("accessbroker: %s is not a device", path)
	}
	return &Device{rw: f, poll: f, log: log}, nil
}

// Close closes the underlying device handle.
func (d *Device) Close() error {
	return d.rw.Close()
}

// pollReadable blocks until d.poll has data available, mirroring
// tpmutil.poll's use of unix.Poll on Linux (google-go-tpm/tpmutil/poll_linux.go).
// It is a no-op when the broker isn't backed by a real character device
// (e.g. in tests, which wrap an in-memory io.ReadWriteCloser).
func (d *Device) pollReadable() error {
	if d.poll == nil {
		return nil
	}
	const timeoutBlock = -1
	fds := []unix.PollFd{{Fd: int32(d.poll.Fd()), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, timeoutBlock); err != nil {
		return fmt.Errorf("accessbroker: poll device: %w", err)
	}
	return nil
}

// SendCommand implements Broker.
func (d *Device) SendCommand(cmd []byte) ([]byte, error) {
	if _, err := d.rw.Write(cmd); err != nil {
		return nil, fmt.Errorf("accessbroker: write command: %w", err)
	}
	if err := d.pollReadable(); err != nil {
		return nil, err
	}
	resp := make([]byte, maxResponse)
	n, err := d.rw.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("accessbroker: read response: %w", err)
	}
	return resp[:n], nil
}

// ContextLoad implements Broker.
func (d *Device) ContextLoad(ctx wire.Context) (tpm2const.Handle, error) {
	resp, err := d.SendCommand(wire.BuildContextLoadCommand(ctx))
	if err != nil {
		return 0, err
	}
	r, err := wire.ParseResponse(resp, tpm2const.CCContextLoad)
	if err != nil {
		return 0, err
	}
	if r.RC() != tpm2const.RCSuccess {
		return 0, r.RC()
	}
	return r.Handle(), nil
}

// ContextSaveFlush implements Broker: it issues ContextSave then
// FlushContext, matching how the reference implementation's
// access_broker_context_saveflush composes the two device calls.
func (d *Device) ContextSaveFlush(phandle tpm2const.Handle) (wire.Context, error) {
	resp, err := d.SendCommand(wire.BuildContextSaveCommand(phandle))
	if err != nil {
		return wire.Context{}, err
	}
	r, err := wire.ParseResponse(resp, tpm2const.CCContextSave)
	if err != nil {
		return wire.Context{}, err
	}
	if r.RC() != tpm2const.RCSuccess {
		return wire.Context{}, r.RC()
	}
	ctx, err := wire.ParseContext(r.Bytes()[wire.HeaderSize:])
	if err != nil {
		return wire.Context{}, err
	}
	if err := d.ContextFlush(phandle); err != nil {
		d.log.WithError(err).WithField("handle", fmt.Sprintf("0x%08x", phandle)).
			Warn("failed to flush context after save")
		return wire.Context{}, err
	}
	return ctx, nil
}

// ContextFlush implements Broker.
func (d *Device) ContextFlush(handle tpm2const.Handle) error {
	resp, err := d.SendCommand(wire.BuildFlushContextCommand(handle))
	if err != nil {
		return err
	}
	r, err := wire.ParseResponse(resp, tpm2const.CCFlushContext)
	if err != nil {
		return err
	}
	if r.RC() != tpm2const.RCSuccess {
		return r.RC()
	}
	return nil
}
