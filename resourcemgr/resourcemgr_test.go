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
	"encoding/binary"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/google/tpm2-rm/connection"
	"github.com/google/tpm2-rm/queue"
	"github.com/google/tpm2-rm/session"
	"github.com/google/tpm2-rm/tpm2const"
	"github.com/google/tpm2-rm/wire"
)

// fakeBroker stands in for a physical device: it hands out monotonically
// increasing physical handles and remembers what it has flushed, without
// modeling any TPM object semantics beyond that.
type fakeBroker struct {
	nextObj  tpm2const.Handle
	nextSess tpm2const.Handle
	saveSeq  uint64
	flushed  map[tpm2const.Handle]bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		nextObj:  0x80000001,
		nextSess: 0x02000001,
		flushed:  map[tpm2const.Handle]bool{},
	}
}

func (b *fakeBroker) SendCommand(cmdBuf []byte) ([]byte, error) {
	cmd, err := wire.ParseCommand(cmdBuf)
	if err != nil {
		return nil, err
	}
	switch cmd.Code() {
	case tpm2const.CCCreatePrimary, tpm2const.CCLoad, tpm2const.CCLoadExternal:
		h := b.nextObj
		b.nextObj++
		return rawSuccessResponse(&h), nil
	case tpm2const.CCStartAuthSession:
		h := b.nextSess
		b.nextSess++
		return rawSuccessResponse(&h), nil
	default:
		return rawSuccessResponse(nil), nil
	}
}

func (b *fakeBroker) ContextLoad(ctx wire.Context) (tpm2const.Handle, error) {
	if ctx.SavedHandle.Kind().IsSession() {
		return ctx.SavedHandle, nil
	}
	h := b.nextObj
	b.nextObj++
	return h, nil
}

func (b *fakeBroker) ContextSaveFlush(phandle tpm2const.Handle) (wire.Context, error) {
	b.saveSeq++
	b.flushed[phandle] = true
	return wire.Context{
		Sequence:    b.saveSeq,
		SavedHandle: phandle,
		Hierarchy:   0x40000001,
		Blob:        []byte{byte(b.saveSeq)},
	}, nil
}

func (b *fakeBroker) ContextFlush(handle tpm2const.Handle) error {
	b.flushed[handle] = true
	return nil
}

// fakeSink records every payload delivered to each connection, in order.
// A payload is either a response []byte or, for forwarded control
// traffic, the *ControlMessage itself.
type fakeSink struct {
	mu   sync.Mutex
	sent map[*connection.Connection][]queue.Item
}

func newFakeSink() *fakeSink {
	return &fakeSink{sent: map[*connection.Connection][]queue.Item{}}
}

func (s *fakeSink) Enqueue(conn *connection.Connection, payload queue.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[conn] = append(s.sent[conn], payload)
}

func (s *fakeSink) last(conn *connection.Connection) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sent[conn]
	if len(all) == 0 {
		return nil
	}
	buf, _ := all[len(all)-1].([]byte)
	return buf
}

func rawSuccessResponse(handle *tpm2const.Handle) []byte {
	size := wire.HeaderSize
	if handle != nil {
		size += 4
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(tpm2const.STNoSessions))
	binary.BigEndian.PutUint32(buf[2:6], uint32(size))
	binary.BigEndian.PutUint32(buf[6:10], uint32(tpm2const.RCSuccess))
	if handle != nil {
		binary.BigEndian.PutUint32(buf[10:14], uint32(*handle))
	}
	return buf
}

func buildNoAuthCommand(cc tpm2const.CC, handles []tpm2const.Handle, body []byte) []byte {
	size := wire.HeaderSize + 4*len(handles) + len(body)
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(tpm2const.STNoSessions))
	binary.BigEndian.PutUint32(buf[2:6], uint32(size))
	binary.BigEndian.PutUint32(buf[6:10], uint32(cc))
	off := wire.HeaderSize
	for _, h := range handles {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(h))
		off += 4
	}
	copy(buf[off:], body)
	return buf
}

func buildSessionAuthCommand(cc tpm2const.CC, handles []tpm2const.Handle, authHandle tpm2const.Handle, continueSession bool) []byte {
	var authBody []byte
	authBody = binary.BigEndian.AppendUint32(authBody, uint32(authHandle))
	authBody = binary.BigEndian.AppendUint16(authBody, 0) // nonce size
	var attrs uint8
	if continueSession {
		attrs = tpm2const.AttrContinueSession
	}
	authBody = append(authBody, attrs)
	authBody = binary.BigEndian.AppendUint16(authBody, 0) // hmac size

	size := wire.HeaderSize + 4*len(handles) + 4 + len(authBody)
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(tpm2const.STSessions))
	binary.BigEndian.PutUint32(buf[2:6], uint32(size))
	binary.BigEndian.PutUint32(buf[6:10], uint32(cc))
	off := wire.HeaderSize
	for _, h := range handles {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(h))
		off += 4
	}
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(authBody)))
	off += 4
	copy(buf[off:], authBody)
	return buf
}

func parseRC(t *testing.T, buf []byte) tpm2const.RC {
	t.Helper()
	if len(buf) < wire.HeaderSize {
		t.Fatalf("response too short: %d bytes", len(buf))
	}
	return tpm2const.RC(binary.BigEndian.Uint32(buf[6:10]))
}

func newTestManager(sessionQuota int) (*Manager, *connection.Manager, *fakeBroker, *fakeSink) {
	broker := newFakeBroker()
	sink := newFakeSink()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	in := queue.New()
	m := NewManager(broker, sessionQuota, in, sink, log.WithField("test", true))
	connMgr := connection.NewManager(10)
	return m, connMgr, broker, sink
}

func TestTransientCreateAndReuse(t *testing.T) {
	m, connMgr, broker, sink := newTestManager(3)
	conn := connMgr.New()

	createCmd := buildNoAuthCommand(tpm2const.CCCreatePrimary, []tpm2const.Handle{0x40000001}, nil)
	m.processCommand(conn, createCmd)

	resp := sink.last(conn)
	if rc := parseRC(t, resp); rc != tpm2const.RCSuccess {
		t.Fatalf("CreatePrimary RC = %v, want success", rc)
	}
	vhandle := tpm2const.Handle(binary.BigEndian.Uint32(resp[wire.HeaderSize:]))
	if vhandle.Kind() != tpm2const.KindTransient {
		t.Fatalf("returned handle %x is not in the transient range", vhandle)
	}
	entry := conn.TransMap.Lookup(vhandle)
	if entry == nil {
		t.Fatalf("no handle map entry for %x after CreatePrimary", vhandle)
	}
	// step 9 evicts a newly-created transient object at the end of the very
	// same command that created it: a quiescent point never leaves a
	// nonzero Physical handle behind.
	if entry.Physical != 0 {
		t.Fatal("newly created object was not evicted at the end of its own command")
	}
	if len(entry.Context) == 0 {
		t.Fatal("evicted transient object has no saved context")
	}
	if !broker.flushed[0x80000001] {
		t.Fatal("broker never saw the object flushed")
	}

	broker.flushed = map[tpm2const.Handle]bool{}
	signCmd := buildNoAuthCommand(wire.CCSign, []tpm2const.Handle{vhandle}, nil)
	m.processCommand(conn, signCmd)

	resp2 := sink.last(conn)
	if rc := parseRC(t, resp2); rc != tpm2const.RCSuccess {
		t.Fatalf("Sign RC = %v, want success", rc)
	}
	if entry.Physical != 0 {
		t.Fatal("transient object was not evicted after use")
	}
	if len(entry.Context) == 0 {
		t.Fatal("evicted transient object has no saved context")
	}
	// re-loading a previously-evicted object gets a fresh physical handle
	// (0x80000002): a context load never resurrects the original one.
	if !broker.flushed[0x80000002] {
		t.Fatal("broker never saw the reloaded object flushed")
	}
}

func TestQuotaExhaustion(t *testing.T) {
	broker := newFakeBroker()
	sink := newFakeSink()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	in := queue.New()
	m := NewManager(broker, 3, in, sink, log.WithField("test", true))
	connMgr := connection.NewManager(1)
	conn := connMgr.New()

	m.processCommand(conn, buildNoAuthCommand(tpm2const.CCCreatePrimary, []tpm2const.Handle{0x40000001}, nil))
	if rc := parseRC(t, sink.last(conn)); rc != tpm2const.RCSuccess {
		t.Fatalf("first CreatePrimary RC = %v, want success", rc)
	}

	m.processCommand(conn, buildNoAuthCommand(tpm2const.CCCreatePrimary, []tpm2const.Handle{0x40000001}, nil))
	if rc := parseRC(t, sink.last(conn)); rc != tpm2const.RCObjectMemory {
		t.Fatalf("second CreatePrimary RC = %v, want RCObjectMemory", rc)
	}
}

func TestFlushUnknownTransientHandle(t *testing.T) {
	m, connMgr, _, sink := newTestManager(3)
	conn := connMgr.New()

	m.processCommand(conn, wire.BuildFlushContextCommand(0x80000099))
	if rc := parseRC(t, sink.last(conn)); rc != tpm2const.RCHandleParam1 {
		t.Fatalf("FlushContext(unknown) RC = %v, want RCHandleParam1", rc)
	}
}

func TestSessionPingPong(t *testing.T) {
	m, connMgr, broker, sink := newTestManager(3)
	conn := connMgr.New()

	m.processCommand(conn, buildNoAuthCommand(tpm2const.CCStartAuthSession, []tpm2const.Handle{0x40000001, 0x40000000}, nil))
	resp := sink.last(conn)
	if rc := parseRC(t, resp); rc != tpm2const.RCSuccess {
		t.Fatalf("StartAuthSession RC = %v, want success", rc)
	}
	handle := tpm2const.Handle(binary.BigEndian.Uint32(resp[wire.HeaderSize:]))

	e := m.sessions.LookupHandle(handle)
	if e == nil {
		t.Fatalf("session %x not registered after StartAuthSession", handle)
	}
	if e.State != session.SavedRM {
		t.Fatalf("session state after StartAuthSession = %v, want SAVED_RM", e.State)
	}
	if !broker.flushed[handle] {
		t.Fatal("session was never saved to the device after creation")
	}

	m.processCommand(conn, buildSessionAuthCommand(wire.CCSign, []tpm2const.Handle{0x40000001}, handle, true))
	if rc := parseRC(t, sink.last(conn)); rc != tpm2const.RCSuccess {
		t.Fatalf("Sign with session RC = %v, want success", rc)
	}
	if e.State != session.SavedRM {
		t.Fatalf("session state after use = %v, want SAVED_RM (resaved at end of pipeline)", e.State)
	}
}

func TestSessionAuthWithoutContinueFlushesSession(t *testing.T) {
	m, connMgr, _, sink := newTestManager(3)
	conn := connMgr.New()

	m.processCommand(conn, buildNoAuthCommand(tpm2const.CCStartAuthSession, []tpm2const.Handle{0x40000001, 0x40000000}, nil))
	handle := tpm2const.Handle(binary.BigEndian.Uint32(sink.last(conn)[wire.HeaderSize:]))

	m.processCommand(conn, buildSessionAuthCommand(wire.CCSign, []tpm2const.Handle{0x40000001}, handle, false))
	if rc := parseRC(t, sink.last(conn)); rc != tpm2const.RCSuccess {
		t.Fatalf("Sign without CONTINUESESSION RC = %v, want success", rc)
	}
	if m.sessions.LookupHandle(handle) != nil {
		t.Fatal("session survived use without CONTINUESESSION, want it removed once the device drops it")
	}
}

func TestSessionAuthIgnoresNonOwningConnection(t *testing.T) {
	m, connMgr, broker, sink := newTestManager(3)
	connA := connMgr.New()
	connB := connMgr.New()

	m.processCommand(connA, buildNoAuthCommand(tpm2const.CCStartAuthSession, []tpm2const.Handle{0x40000001, 0x40000000}, nil))
	handle := tpm2const.Handle(binary.BigEndian.Uint32(sink.last(connA)[wire.HeaderSize:]))
	e := m.sessions.LookupHandle(handle)
	broker.flushed = map[tpm2const.Handle]bool{}

	m.processCommand(connB, buildSessionAuthCommand(wire.CCSign, []tpm2const.Handle{0x40000001}, handle, true))

	if e.State != session.SavedRM {
		t.Fatalf("session state after use by a non-owning connection = %v, want unchanged SAVED_RM", e.State)
	}
	if broker.flushed[handle] {
		t.Fatal("a non-owning connection's command triggered a device ContextLoad for someone else's session")
	}
	if e.Owner.ID() != connA.ID() {
		t.Fatalf("session owner changed to %d, want connA (%d)", e.Owner.ID(), connA.ID())
	}
}

func TestAbandonAndClaimAcrossReconnect(t *testing.T) {
	m, connMgr, _, sink := newTestManager(3)
	connA := connMgr.New()

	m.processCommand(connA, buildNoAuthCommand(tpm2const.CCStartAuthSession, []tpm2const.Handle{0x40000001, 0x40000000}, nil))
	handle := tpm2const.Handle(binary.BigEndian.Uint32(sink.last(connA)[wire.HeaderSize:]))

	m.processCommand(connA, wire.BuildContextSaveCommand(handle))
	saveResp := sink.last(connA)
	if rc := parseRC(t, saveResp); rc != tpm2const.RCSuccess {
		t.Fatalf("client ContextSave RC = %v, want success", rc)
	}
	savedCtxBytes := append([]byte(nil), saveResp[wire.HeaderSize:]...)

	e := m.sessions.LookupHandle(handle)
	if e.State != session.SavedClient {
		t.Fatalf("session state after client ContextSave = %v, want SAVED_CLIENT", e.State)
	}

	m.teardown(connA)
	if m.sessions.AbandonedLen() != 1 {
		t.Fatalf("AbandonedLen() after teardown = %d, want 1", m.sessions.AbandonedLen())
	}

	connB := connMgr.New()
	loadCmd := wire.BuildContextLoadCommand(mustParseContext(t, savedCtxBytes))
	m.processCommand(connB, loadCmd)
	loadResp := sink.last(connB)
	if rc := parseRC(t, loadResp); rc != tpm2const.RCSuccess {
		t.Fatalf("ContextLoad(claim) RC = %v, want success", rc)
	}
	gotHandle := tpm2const.Handle(binary.BigEndian.Uint32(loadResp[wire.HeaderSize:]))
	if gotHandle != handle {
		t.Fatalf("claimed session handle = %x, want %x", gotHandle, handle)
	}
	if m.sessions.AbandonedLen() != 0 {
		t.Fatalf("AbandonedLen() after claim = %d, want 0", m.sessions.AbandonedLen())
	}
	claimed := m.sessions.LookupHandle(handle)
	if claimed.Owner.ID() != connB.ID() {
		t.Fatalf("claimed session owner = %d, want connB (%d)", claimed.Owner.ID(), connB.ID())
	}
}

func TestPruneAbandonedKeepsMostRecentFour(t *testing.T) {
	m, connMgr, _, sink := newTestManager(10)
	conn := connMgr.New()

	var handles []tpm2const.Handle
	for i := 0; i < 5; i++ {
		m.processCommand(conn, buildNoAuthCommand(tpm2const.CCStartAuthSession, []tpm2const.Handle{0x40000001, 0x40000000}, nil))
		h := tpm2const.Handle(binary.BigEndian.Uint32(sink.last(conn)[wire.HeaderSize:]))
		m.processCommand(conn, wire.BuildContextSaveCommand(h))
		handles = append(handles, h)
	}

	m.teardown(conn)
	if got := m.sessions.AbandonedLen(); got != session.MaxAbandoned {
		t.Fatalf("AbandonedLen() after teardown of 5 sessions = %d, want %d", got, session.MaxAbandoned)
	}
	if _, ok := m.sessions.Claim(handles[0], conn); ok {
		t.Fatal("oldest abandoned session survived pruning")
	}
	if _, ok := m.sessions.Claim(handles[len(handles)-1], conn); !ok {
		t.Fatal("most recently abandoned session was pruned")
	}
}

func TestFlushedCommandDropsHandleMapEntryWithoutDeviceContact(t *testing.T) {
	m, connMgr, broker, sink := newTestManager(3)
	conn := connMgr.New()

	m.processCommand(conn, buildNoAuthCommand(tpm2const.CCCreatePrimary, []tpm2const.Handle{0x40000001}, nil))
	resp := sink.last(conn)
	if rc := parseRC(t, resp); rc != tpm2const.RCSuccess {
		t.Fatalf("CreatePrimary RC = %v, want success", rc)
	}
	vhandle := tpm2const.Handle(binary.BigEndian.Uint32(resp[wire.HeaderSize:]))
	broker.flushed = map[tpm2const.Handle]bool{}

	clearCmd := buildNoAuthCommand(wire.CCClear, []tpm2const.Handle{vhandle}, nil)
	m.processCommand(conn, clearCmd)
	if rc := parseRC(t, sink.last(conn)); rc != tpm2const.RCSuccess {
		t.Fatalf("Clear RC = %v, want success", rc)
	}

	if entry := conn.TransMap.Lookup(vhandle); entry != nil {
		t.Fatalf("HandleMap entry for %x survived a FLUSHED command", vhandle)
	}
	if broker.flushed[0x80000001] {
		t.Fatal("ContextSaveFlush was called against a handle the FLUSHED command already dropped on the device")
	}
}

func TestSavedRMSessionFlushedOnTeardown(t *testing.T) {
	m, connMgr, broker, sink := newTestManager(3)
	conn := connMgr.New()

	m.processCommand(conn, buildNoAuthCommand(tpm2const.CCStartAuthSession, []tpm2const.Handle{0x40000001, 0x40000000}, nil))
	handle := tpm2const.Handle(binary.BigEndian.Uint32(sink.last(conn)[wire.HeaderSize:]))

	e := m.sessions.LookupHandle(handle)
	if e == nil || e.State != session.SavedRM {
		t.Fatalf("session %x state = %v, want SAVED_RM before teardown", handle, e)
	}
	broker.flushed = map[tpm2const.Handle]bool{}

	m.teardown(conn)

	if !broker.flushed[handle] {
		t.Fatal("SAVED_RM session was not flushed from the device on connection teardown")
	}
	if m.sessions.LookupHandle(handle) != nil {
		t.Fatal("SAVED_RM session entry survived teardown")
	}
	if m.sessions.AbandonedLen() != 0 {
		t.Fatalf("AbandonedLen() after teardown = %d, want 0 (SAVED_RM never abandons)", m.sessions.AbandonedLen())
	}
}

func TestContextSaveOfSavedSessionMakesNoDeviceCall(t *testing.T) {
	m, connMgr, broker, sink := newTestManager(3)
	conn := connMgr.New()

	m.processCommand(conn, buildNoAuthCommand(tpm2const.CCStartAuthSession, []tpm2const.Handle{0x40000001, 0x40000000}, nil))
	handle := tpm2const.Handle(binary.BigEndian.Uint32(sink.last(conn)[wire.HeaderSize:]))
	broker.flushed = map[tpm2const.Handle]bool{}
	savesBefore := broker.saveSeq

	m.processCommand(conn, wire.BuildContextSaveCommand(handle))
	if rc := parseRC(t, sink.last(conn)); rc != tpm2const.RCSuccess {
		t.Fatalf("ContextSave RC = %v, want success", rc)
	}

	if broker.saveSeq != savesBefore {
		t.Fatal("ContextSave of an already-saved session issued a device ContextSaveFlush")
	}
	if broker.flushed[handle] {
		t.Fatal("ContextSave of an already-saved session touched the device at all")
	}
	e := m.sessions.LookupHandle(handle)
	if e.State != session.SavedClient {
		t.Fatalf("session state after ContextSave = %v, want SAVED_CLIENT", e.State)
	}
}

func TestWorkerCheckCancelForwardsThenStops(t *testing.T) {
	m, connMgr, _, sink := newTestManager(3)
	conn := connMgr.New()

	m.in.Enqueue(&ControlMessage{Code: CheckCancel, Conn: conn})
	m.Run()

	all := sink.sent[conn]
	if len(all) != 1 {
		t.Fatalf("sink received %d items, want 1", len(all))
	}
	cm, ok := all[0].(*ControlMessage)
	if !ok || cm.Code != CheckCancel {
		t.Fatalf("sink item = %#v, want the CheckCancel control message", all[0])
	}
}

func TestWorkerConnectionRemovedTearsDownThenForwards(t *testing.T) {
	m, connMgr, broker, sink := newTestManager(3)
	conn := connMgr.New()

	// A transient object is always back at Physical == 0 by the end of the
	// command that touched it (finishPipeline's step 9), so a resident
	// session is what makes teardown's device interaction observable here.
	m.processCommand(conn, buildNoAuthCommand(tpm2const.CCStartAuthSession, []tpm2const.Handle{0x40000001, 0x40000000}, nil))
	handle := tpm2const.Handle(binary.BigEndian.Uint32(sink.last(conn)[wire.HeaderSize:]))
	broker.flushed = map[tpm2const.Handle]bool{}

	m.in.Enqueue(&ControlMessage{Code: ConnectionRemoved, Conn: conn})
	m.in.Enqueue(&ControlMessage{Code: CheckCancel, Conn: conn})
	m.Run()

	if !broker.flushed[handle] {
		t.Fatal("teardown did not run before ConnectionRemoved was forwarded")
	}
	all := sink.sent[conn]
	if len(all) != 2 {
		t.Fatalf("sink received %d items, want 2 (ConnectionRemoved, then CheckCancel)", len(all))
	}
	first, ok := all[0].(*ControlMessage)
	if !ok || first.Code != ConnectionRemoved {
		t.Fatalf("first sink item = %#v, want the ConnectionRemoved control message", all[0])
	}
}

func mustParseContext(t *testing.T, buf []byte) wire.Context {
	t.Helper()
	ctx, err := wire.ParseContext(buf)
	if err != nil {
		t.Fatalf("ParseContext() error = %v", err)
	}
	return ctx
}
