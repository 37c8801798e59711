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

package resourcemgr

import (
	"github.com/google/tpm2-rm/connection"
	"github.com/google/tpm2-rm/handlemap"
	"github.com/google/tpm2-rm/session"
	"github.com/google/tpm2-rm/tpm2const"
	"github.com/google/tpm2-rm/wire"
)

// processCommand runs the nine-step pipeline (spec.md §4.4) for one inbound
// command from conn, ending with a response delivered to the sink. It never
// returns an error to its caller: every failure mode ends in some response
// (a synthesized RC, or whatever the device itself returned) reaching the
// client, which is the same contract resource_manager_process_tpm2_command
// keeps in the reference implementation.
func (m *Manager) processCommand(conn *connection.Connection, raw []byte) {
	cmd, err := wire.ParseCommand(raw)
	if err != nil {
		m.log.WithError(err).WithField("connection", conn).Warn("dropping malformed command")
		m.emit(conn, wire.NewRCResponse(tpm2const.RCMalformedCommand))
		m.finishPipeline(conn, nil, false)
		return
	}
	dumpCommand(m.log, cmd)

	// Step 1: quota check.
	if rc := m.quotaCheck(cmd, conn); rc != tpm2const.RCSuccess {
		m.emit(conn, wire.NewRCResponse(rc))
		m.finishPipeline(conn, nil, false)
		return
	}

	// Step 2: special-case dispatch.
	resp, handled, err := m.dispatchSpecial(cmd, conn)
	if err != nil {
		m.log.WithError(err).WithField("code", cmd.Code()).Error("special-case handler failed")
		m.emit(conn, wire.NewRCResponse(tpm2const.RCMalformedCommand))
		m.finishPipeline(conn, nil, false)
		return
	}
	if handled {
		m.emit(conn, resp)
		m.finishPipeline(conn, nil, false)
		return
	}

	// Step 3: load the command's handle area, rewriting virtual transient
	// handles to physical ones as we go.
	loaded, rc := m.loadHandleArea(cmd, conn)
	if rc != tpm2const.RCSuccess {
		m.emit(conn, wire.NewRCResponse(rc))
		m.finishPipeline(conn, loaded, false)
		return
	}

	// Step 4: load whatever sessions the auth area names.
	if err := m.loadAuthArea(cmd, conn); err != nil {
		m.log.WithError(err).WithField("connection", conn).Error("failed to load session for command auth area")
		m.emit(conn, wire.NewRCResponse(tpm2const.RCMalformedCommand))
		m.finishPipeline(conn, loaded, false)
		return
	}

	// Step 5: forward to the device.
	respBuf, err := m.broker.SendCommand(cmd.Bytes())
	if err != nil {
		m.log.WithError(err).WithField("code", cmd.Code()).Error("device command failed")
		m.emit(conn, wire.NewRCResponse(tpm2const.RCMalformedCommand))
		m.finishPipeline(conn, loaded, false)
		return
	}

	// Step 6: parse the response and, on success, map any handle it
	// returns into the caller's namespace.
	resp2, err := wire.ParseResponse(respBuf, cmd.Code())
	if err != nil {
		m.log.WithError(err).Error("failed to parse device response")
		m.emit(conn, wire.NewRCResponse(tpm2const.RCMalformedCommand))
		m.finishPipeline(conn, loaded, false)
		return
	}
	if resp2.RC() == tpm2const.RCSuccess && resp2.HasHandle() {
		if newEntry := m.mapResponseHandle(resp2, conn); newEntry != nil {
			loaded = append(loaded, newEntry)
		}
	}
	dumpResponse(m.log, resp2)

	// Step 7: emit to the sink.
	m.emit(conn, resp2.Bytes())

	// Steps 8-9: save loaded sessions, then dispose of transient objects
	// this command loaded: dropped outright if the command's FLUSHED
	// attribute says the device already flushed them, otherwise evicted
	// back out to a context to free the device slot.
	flushed := resp2.RC() == tpm2const.RCSuccess && cmd.Flushed()
	m.finishPipeline(conn, loaded, flushed)
}

// loadHandleArea loads and rewrites every transient handle the command's
// handle area names, returning the set of handlemap entries it loaded so
// finishPipeline can evict them again afterward (on failure, the entries
// loaded before the failing handle are still returned). Any other kind of
// handle (session, permanent, PCR) is forwarded unchanged: sessions are
// addressed directly by their stable device handle and don't need
// rewriting, but a session conn owns in state SAVED_RM is loaded into the
// device here, the same way loadAuthArea loads auth-area sessions.
func (m *Manager) loadHandleArea(cmd *wire.Command, conn *connection.Connection) ([]*handlemap.Entry, tpm2const.RC) {
	var loaded []*handlemap.Entry
	for i, h := range cmd.Handles() {
		if h.Kind().IsSession() {
			e := m.sessions.LookupHandle(h)
			if e != nil && e.Owner.ID() == conn.ID() && e.State == session.SavedRM {
				ctx, err := wire.ParseContext(e.Context)
				if err == nil {
					_, err = m.broker.ContextLoad(ctx)
				}
				if err != nil {
					m.log.WithError(err).WithField("handle", h).Error("failed to load session for command handle area")
					return loaded, tpm2const.RCMalformedCommand
				}
				e.State, e.Context = session.Loaded, nil
			}
			continue
		}
		if h.Kind() != tpm2const.KindTransient {
			continue
		}
		entry := conn.TransMap.Lookup(h)
		if entry == nil {
			return loaded, tpm2const.RCHandleParam1
		}
		if entry.Physical == 0 {
			if err := m.ensureTransientLoaded(entry); err != nil {
				m.log.WithError(err).WithField("handle", h).Error("failed to load transient object for command")
				return loaded, tpm2const.RCMalformedCommand
			}
		}
		cmd.SetHandle(i, entry.Physical)
		loaded = append(loaded, entry)
	}
	return loaded, tpm2const.RCSuccess
}

// loadAuthArea loads into the device any session named in the command's
// auth area that is not already resident, grounded on
// resource_manager_load_session_from_handle. A session is only loaded on
// behalf of the connection that owns it, and only from state SAVED_RM: a
// session some other connection holds, or one that is already Loaded (a
// command may legitimately reuse it across handles), is left alone. willFlush
// mirrors §4.4 step 4: unless the auth entry carries CONTINUESESSION, the
// device drops the session as part of completing this command, so the entry
// is removed from the session list now rather than resaved by finishPipeline.
func (m *Manager) loadAuthArea(cmd *wire.Command, conn *connection.Connection) error {
	if !cmd.HasAuths() {
		return nil
	}
	auths, err := cmd.Auths()
	if err != nil {
		return err
	}
	for _, a := range auths {
		if !a.Handle.Kind().IsSession() {
			continue
		}
		e := m.sessions.LookupHandle(a.Handle)
		if e == nil || e.Owner.ID() != conn.ID() {
			continue
		}
		willFlush := !a.ContinueSession()
		if e.State == session.Loaded {
			if willFlush {
				m.sessions.Remove(e)
			}
			continue
		}
		if e.State != session.SavedRM {
			continue
		}
		ctx, err := wire.ParseContext(e.Context)
		if err != nil {
			return err
		}
		if _, err := m.broker.ContextLoad(ctx); err != nil {
			return err
		}
		if willFlush {
			m.sessions.Remove(e)
			continue
		}
		e.State = session.Loaded
		e.Context = nil
	}
	return nil
}

// mapResponseHandle is pipeline step 6's handle-mapping half: a
// newly-created transient object gets a fresh virtual handle and an entry
// in the connection's map; a newly-created session is registered in the
// session list under the handle the device already gave it (session
// handles are never virtualized, they're stable for the session's whole
// life). It returns the new HandleMapEntry when it created a transient
// object, so processCommand can fold it into the loaded-transients list
// and step 9 will save or evict it like any other transient the command
// touched, matching create_context_mapping_transient in the reference
// implementation.
func (m *Manager) mapResponseHandle(resp *wire.Response, conn *connection.Connection) *handlemap.Entry {
	phandle := resp.Handle()
	switch {
	case phandle.Kind() == tpm2const.KindTransient:
		vhandle := conn.TransMap.NextVirtual()
		if vhandle == 0 {
			m.log.WithField("connection", conn).Error("transient virtual handle space exhausted")
			if err := m.broker.ContextFlush(phandle); err != nil {
				m.log.WithError(err).Warn("failed to flush orphaned object after handle exhaustion")
			}
			resp.SetHandle(0)
			return nil
		}
		entry := &handlemap.Entry{Virtual: vhandle, Physical: phandle}
		conn.TransMap.Insert(vhandle, entry)
		resp.SetHandle(vhandle)
		return entry

	case phandle.Kind().IsSession():
		m.sessions.Insert(&session.Entry{Owner: conn, Handle: phandle, State: session.Loaded})
	}
	return nil
}

// finishPipeline is pipeline steps 8 and 9: save every currently-loaded
// session back out (a process-wide sweep, not just the ones this command
// touched, matching session_list_foreach(session_list,
// resource_manager_save_session_context, ...) in the reference
// implementation), then dispose of every transient object this command
// loaded. When flushed is true the device already flushed those objects
// as part of completing the command (TPMA_CC_FLUSHED), so their entries
// are simply dropped from conn's HandleMap; otherwise each is evicted
// back out to a context, freeing its device slot until next use.
//
// On a session-save failure the entry's device handle is flushed and the
// entry dropped rather than left in state Loaded, matching err_out in
// resource_manager_save_session_context in the reference implementation:
// a session the resource manager cannot account for cannot be allowed to
// keep occupying a device slot.
func (m *Manager) finishPipeline(conn *connection.Connection, loadedTransients []*handlemap.Entry, flushed bool) {
	for _, e := range m.sessions.Loaded() {
		ctx, err := m.broker.ContextSaveFlush(e.Handle)
		if err != nil {
			m.log.WithError(err).WithField("handle", e.Handle).Error("failed to save session at end of command, flushing")
			if ferr := m.broker.ContextFlush(e.Handle); ferr != nil {
				m.log.WithError(ferr).WithField("handle", e.Handle).Error("failed to flush session after failed save")
			}
			m.sessions.Remove(e)
			continue
		}
		e.Context = ctx.Marshal()
		e.State = session.SavedRM
	}

	for _, entry := range loadedTransients {
		if entry.Physical == 0 {
			continue
		}
		if flushed {
			conn.TransMap.Remove(entry.Virtual)
			continue
		}
		ctx, err := m.broker.ContextSaveFlush(entry.Physical)
		if err != nil {
			m.log.WithError(err).WithField("handle", entry.Virtual).Error("failed to evict transient object after command")
			continue
		}
		entry.Physical = 0
		entry.Context = ctx.Marshal()
	}
}
