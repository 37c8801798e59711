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
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/google/tpm2-rm/accessbroker"
	"github.com/google/tpm2-rm/connection"
	"github.com/google/tpm2-rm/queue"
	"github.com/google/tpm2-rm/resourcemgr"
)

func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Open the TPM device and start accepting client connections",
		RunE:  runServe,
	}
	c.Flags().String("device", "", "path to the TPM resource-manager character device")
	c.Flags().String("socket", "", "unix socket to accept client connections on")
	c.Flags().Int("transient-quota", 0, "max transient objects held open per connection")
	c.Flags().Int("session-quota", 0, "max sessions held open per connection")
	return c
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := log.WithField("component", "tpm2-resourcemgrd")

	broker, err := accessbroker.OpenDevice(cfg.Device, entry)
	if err != nil {
		return fmt.Errorf("open TPM device %s: %w", cfg.Device, err)
	}
	defer broker.Close()

	if err := os.Remove(cfg.Socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", cfg.Socket, err)
	}
	// net.Listen creates the socket file world-writable by default; narrow
	// the process umask around the call so there's no window where another
	// user on the box could connect before the Chmod below lands.
	oldMask := unix.Umask(0117)
	listener, err := net.Listen("unix", cfg.Socket)
	unix.Umask(oldMask)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Socket, err)
	}
	defer listener.Close()
	if err := os.Chmod(cfg.Socket, 0660); err != nil {
		entry.WithError(err).Warn("failed to set socket permissions")
	}

	in := queue.New()
	connMgr := connection.NewManager(cfg.TransientQuota)
	mgr := resourcemgr.NewManager(broker, cfg.SessionQuota, in, resourcemgr.DirectSink{}, entry)
	go mgr.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("shutting down")
		listener.Close()
		mgr.Stop()
	}()

	entry.WithFields(logrus.Fields{
		"device": cfg.Device,
		"socket": cfg.Socket,
	}).Info("resource manager listening")

	for {
		netConn, err := listener.Accept()
		if err != nil {
			entry.WithError(err).Info("listener closed")
			return nil
		}
		conn := connMgr.New()
		go serveConn(netConn, conn, connMgr, in, entry)
	}
}
