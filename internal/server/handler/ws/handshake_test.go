package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/textric/textric-server/internal/apperrors"
	"github.com/textric/textric-server/internal/auth"
	"github.com/textric/textric-server/internal/models"
	"github.com/textric/textric-server/internal/protocol"
	"github.com/textric/textric-server/internal/relay"
	"github.com/textric/textric-server/internal/service"
)

// memStore is an in-memory service.AccountRepository backing the
// socket tests end to end.
type memStore struct {
	mu         sync.Mutex
	accounts   map[string]models.Account
	candidates map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		accounts:   map[string]models.Account{},
		candidates: map[string]int64{},
	}
}

func cloneAccount(acct models.Account) models.Account {
	devices := make(map[string]models.Device, len(acct.Devices))
	for id, d := range acct.Devices {
		devices[id] = d
	}
	acct.Devices = devices
	return acct
}

func (m *memStore) Insert(_ context.Context, acct *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.Handle] = cloneAccount(*acct)
	return nil
}

func (m *memStore) Find(_ context.Context, handle string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[handle]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := cloneAccount(acct)
	return &out, nil
}

func (m *memStore) Replace(_ context.Context, acct *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.Handle]; !ok {
		return apperrors.ErrNotFound
	}
	m.accounts[acct.Handle] = cloneAccount(*acct)
	return nil
}

func (m *memStore) Delete(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, handle)
	return nil
}

func (m *memStore) Exists(_ context.Context, handle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[handle]
	return ok, nil
}

func (m *memStore) InsertCandidate(_ context.Context, handle string, timeCreated int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[handle] = timeCreated
	return nil
}

func (m *memStore) CandidateExists(_ context.Context, handle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.candidates[handle]
	return ok, nil
}

func (m *memStore) ConsumeCandidate(_ context.Context, handle string, cutoff int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created, ok := m.candidates[handle]
	if !ok || created <= cutoff {
		return false, nil
	}
	delete(m.candidates, handle)
	return true, nil
}

func (m *memStore) PurgeCandidates(_ context.Context, cutoff int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for handle, created := range m.candidates {
		if created <= cutoff {
			delete(m.candidates, handle)
		}
	}
	return nil
}

// memQueue is an in-memory queue implementing both the service's
// insert surface and the pump's scan/pull surface.
type memQueue struct {
	mu      sync.Mutex
	entries []models.QueueEntry
}

func (q *memQueue) InsertOne(_ context.Context, e models.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return nil
}

func (q *memQueue) InsertMany(_ context.Context, entries []models.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entries...)
	return nil
}

func (q *memQueue) ListByAccount(_ context.Context, handle string) ([]models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.QueueEntry
	for _, e := range q.entries {
		if e.Account != handle {
			continue
		}
		copied := e
		copied.Addresses = append([]models.Address(nil), e.Addresses...)
		out = append(out, copied)
	}
	return out, nil
}

func (q *memQueue) PullAddress(_ context.Context, id string, addr models.Address) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID != id {
			continue
		}
		for j, a := range q.entries[i].Addresses {
			if a == addr {
				q.entries[i].Addresses = append(
					q.entries[i].Addresses[:j],
					q.entries[i].Addresses[j+1:]...,
				)
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func (q *memQueue) DeleteIfEmpty(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID == id && len(q.entries[i].Addresses) == 0 {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// relayServer is the assembled system under test: real services and
// registry over in-memory stores, served over a live socket.
type relayServer struct {
	accounts *service.AccountService
	queue    *memQueue
	registry *relay.Registry
	srv      *httptest.Server
	url      string
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	store := newMemStore()
	queue := &memQueue{}
	accounts := service.NewAccountService(store)
	registry := relay.NewRegistry(accounts, queue, 10*time.Millisecond, zap.NewNop())
	handler := &Handler{
		Accounts: accounts,
		Queue:    service.NewQueueService(accounts, queue),
		Registry: registry,
		Log:      zap.NewNop(),
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &relayServer{
		accounts: accounts,
		queue:    queue,
		registry: registry,
		srv:      srv,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// enrolledDevice is a client-side device that completed enrollment:
// it knows its post-rotation fingerprint.
type enrolledDevice struct {
	handle      string
	id          string
	fingerprint string
}

// makeAccount creates an account and enrolls the given devices,
// deriving each device's fingerprint the way a real client would.
func makeAccount(t *testing.T, rs *relayServer, password string, deviceIDs ...string) (string, map[string]enrolledDevice) {
	t.Helper()
	ctx := context.Background()

	handle, err := rs.accounts.GenerateHandle(ctx)
	if err != nil {
		t.Fatalf("GenerateHandle: %v", err)
	}
	if err := rs.accounts.CreateAccount(ctx, handle, password); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	acct, err := rs.accounts.GetAccount(ctx, handle)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}

	devices := map[string]enrolledDevice{}
	for _, id := range deviceIDs {
		// enrollment init: both sides derive the initial fingerprint
		// from the password hash and a nonce
		initial := auth.Fingerprint(id, "aW5pdC1ub25jZQ==", acct.PassHash)
		if err := rs.accounts.AddDevice(ctx, handle, id, initial); err != nil {
			t.Fatalf("AddDevice %s: %v", id, err)
		}
		// enrollment complete: fingerprint rotates under a fresh nonce
		nonce, err := rs.accounts.CompleteDevice(ctx, handle, models.Device{ID: id, Fingerprint: initial})
		if err != nil {
			t.Fatalf("CompleteDevice %s: %v", id, err)
		}
		devices[id] = enrolledDevice{
			handle:      handle,
			id:          id,
			fingerprint: auth.Fingerprint(id, nonce, acct.PassHash),
		}
	}
	return handle, devices
}

func dial(t *testing.T, rs *relayServer) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(rs.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return data
}

func encryptNonceString(t *testing.T, fingerprint string, n uint64) protocol.EncryptedPayload {
	t.Helper()
	enc, err := auth.Encrypt(fingerprint, []byte(strconv.FormatUint(n, 10)))
	if err != nil {
		t.Fatalf("encrypt nonce: %v", err)
	}
	return enc
}

func decryptNonceString(t *testing.T, fingerprint string, enc protocol.EncryptedPayload) uint64 {
	t.Helper()
	plain, err := auth.Decrypt(fingerprint, enc)
	if err != nil {
		t.Fatalf("decrypt nonce: %v", err)
	}
	n, err := strconv.ParseUint(string(plain), 10, 64)
	if err != nil {
		t.Fatalf("nonce %q is not a decimal integer: %v", plain, err)
	}
	return n
}

// handshake performs the full client side of the two-step handshake
// and consumes the AuthAck.
func handshake(t *testing.T, conn *websocket.Conn, dev enrolledDevice) {
	t.Helper()
	const devNonce = 42

	opener := protocol.Opener{
		Handle:   dev.handle,
		DeviceID: dev.id,
		DevNonce: encryptNonceString(t, dev.fingerprint, devNonce),
	}
	if err := conn.WriteJSON(opener); err != nil {
		t.Fatalf("send opener: %v", err)
	}

	var resp protocol.OpenResponse
	if err := json.Unmarshal(readFrame(t, conn), &resp); err != nil {
		t.Fatalf("parse open response: %v", err)
	}
	if got := decryptNonceString(t, dev.fingerprint, resp.DevInc); got != devNonce+1 {
		t.Fatalf("devInc = %d; want %d", got, devNonce+1)
	}
	srvNonce := decryptNonceString(t, dev.fingerprint, resp.SrvNonce)

	completer := protocol.Completer{
		SrvInc: encryptNonceString(t, dev.fingerprint, srvNonce+1),
		Config: json.RawMessage(`{}`),
	}
	if err := conn.WriteJSON(completer); err != nil {
		t.Fatalf("send completer: %v", err)
	}

	var ack protocol.AuthAckMessage
	if err := json.Unmarshal(readFrame(t, conn), &ack); err != nil {
		t.Fatalf("parse auth ack: %v", err)
	}
	if ack.Type != protocol.AACK {
		t.Fatalf("frame type = %d; want AACK", ack.Type)
	}
}

// expectHandshakeError asserts the next frame is ErrorMessage(1) and
// that the server then closes the socket.
func expectHandshakeError(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var em protocol.ErrorMessage
	if err := json.Unmarshal(readFrame(t, conn), &em); err != nil {
		t.Fatalf("parse error frame: %v", err)
	}
	if em.Type != protocol.ERR || em.ErrNo == nil || *em.ErrNo != 1 {
		t.Fatalf("error frame = %+v; want ERR with errNo 1", em)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection")
	}
}

func TestHandshake_MalformedOpenerCloses(t *testing.T) {
	rs := newRelayServer(t)
	conn := dial(t, rs)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"not":"an opener"}`)); err != nil {
		t.Fatal(err)
	}
	expectHandshakeError(t, conn)
}

func TestHandshake_UnknownAccountCloses(t *testing.T) {
	rs := newRelayServer(t)
	conn := dial(t, rs)

	ghost := enrolledDevice{
		handle:      "Ghost#00000",
		id:          "dev1",
		fingerprint: auth.Fingerprint("dev1", "bm9uY2U=", "aGFzaA=="),
	}
	opener := protocol.Opener{
		Handle:   ghost.handle,
		DeviceID: ghost.id,
		DevNonce: encryptNonceString(t, ghost.fingerprint, 7),
	}
	if err := conn.WriteJSON(opener); err != nil {
		t.Fatal(err)
	}
	expectHandshakeError(t, conn)
}

func TestHandshake_WrongDeviceNonceKeyCloses(t *testing.T) {
	rs := newRelayServer(t)
	_, devices := makeAccount(t, rs, "pw", "dev1")
	dev := devices["dev1"]
	conn := dial(t, rs)

	// a nonce encrypted under a key other than the enrolled
	// fingerprint decrypts to garbage
	wrongKey := auth.Fingerprint("dev1", "b3RoZXI=", "b3RoZXI=")
	opener := protocol.Opener{
		Handle:   dev.handle,
		DeviceID: dev.id,
		DevNonce: encryptNonceString(t, wrongKey, 7),
	}
	if err := conn.WriteJSON(opener); err != nil {
		t.Fatal(err)
	}
	expectHandshakeError(t, conn)
}

func TestHandshake_WrongServerNonceIncrementCloses(t *testing.T) {
	rs := newRelayServer(t)
	_, devices := makeAccount(t, rs, "pw", "dev1")
	dev := devices["dev1"]
	conn := dial(t, rs)

	opener := protocol.Opener{
		Handle:   dev.handle,
		DeviceID: dev.id,
		DevNonce: encryptNonceString(t, dev.fingerprint, 7),
	}
	if err := conn.WriteJSON(opener); err != nil {
		t.Fatal(err)
	}
	var resp protocol.OpenResponse
	if err := json.Unmarshal(readFrame(t, conn), &resp); err != nil {
		t.Fatal(err)
	}
	srvNonce := decryptNonceString(t, dev.fingerprint, resp.SrvNonce)

	// off-by-two: a replayed or forged completer is rejected
	completer := protocol.Completer{
		SrvInc: encryptNonceString(t, dev.fingerprint, srvNonce+2),
		Config: json.RawMessage(`{}`),
	}
	if err := conn.WriteJSON(completer); err != nil {
		t.Fatal(err)
	}
	expectHandshakeError(t, conn)
}

func TestHandshake_SecondConnectionForSameDeviceRejected(t *testing.T) {
	rs := newRelayServer(t)
	_, devices := makeAccount(t, rs, "pw", "dev1")
	dev := devices["dev1"]

	first := dial(t, rs)
	handshake(t, first, dev)

	second := dial(t, rs)
	opener := protocol.Opener{
		Handle:   dev.handle,
		DeviceID: dev.id,
		DevNonce: encryptNonceString(t, dev.fingerprint, 7),
	}
	if err := second.WriteJSON(opener); err != nil {
		t.Fatal(err)
	}
	var resp protocol.OpenResponse
	if err := json.Unmarshal(readFrame(t, second), &resp); err != nil {
		t.Fatal(err)
	}
	srvNonce := decryptNonceString(t, dev.fingerprint, resp.SrvNonce)
	completer := protocol.Completer{
		SrvInc: encryptNonceString(t, dev.fingerprint, srvNonce+1),
		Config: json.RawMessage(`{}`),
	}
	if err := second.WriteJSON(completer); err != nil {
		t.Fatal(err)
	}
	expectHandshakeError(t, second)
}

func TestComplete_BadFrameIsNonFatal(t *testing.T) {
	rs := newRelayServer(t)
	handle, devices := makeAccount(t, rs, "pw", "dev1")
	dev := devices["dev1"]
	conn := dial(t, rs)
	handshake(t, conn, dev)

	// garbage after auth: generic error with null errNo, no close
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"iv":"","payload":""}`)); err != nil {
		t.Fatal(err)
	}
	var em protocol.ErrorMessage
	if err := json.Unmarshal(readFrame(t, conn), &em); err != nil {
		t.Fatal(err)
	}
	if em.Type != protocol.ERR || em.ErrNo != nil {
		t.Fatalf("error frame = %+v; want ERR with null errNo", em)
	}

	// the connection still relays a valid envelope afterwards
	env := models.Envelope{
		Src:     models.Address{Handle: handle, DeviceID: dev.id},
		Dst:     models.Destination{Handle: handle},
		Payload: "c3RpbGwgYWxpdmU=",
	}
	plain, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := auth.Encrypt(dev.fingerprint, plain)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(enc); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rs.queue.size() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rs.queue.size() == 0 {
		t.Fatal("valid envelope after a dropped frame was not enqueued")
	}
}

// Full scenario: account with two enrolled devices, both connected;
// a message addressed to the bare handle reaches both devices and the
// queue entry disappears once each address is retired.
func TestEndToEnd_FanOutDelivery(t *testing.T) {
	rs := newRelayServer(t)
	handle, devices := makeAccount(t, rs, "pw", "dev1", "dev2")
	dev1, dev2 := devices["dev1"], devices["dev2"]

	conn1 := dial(t, rs)
	handshake(t, conn1, dev1)
	conn2 := dial(t, rs)
	handshake(t, conn2, dev2)

	env := models.Envelope{
		Src:     models.Address{Handle: handle, DeviceID: dev1.id},
		Dst:     models.Destination{Handle: handle},
		Payload: "aGVsbG8gZnJvbSBkZXYx",
	}
	plain, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := auth.Encrypt(dev1.fingerprint, plain)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn1.WriteJSON(enc); err != nil {
		t.Fatal(err)
	}

	for _, rx := range []struct {
		conn *websocket.Conn
		dev  enrolledDevice
	}{{conn2, dev2}, {conn1, dev1}} {
		var frame protocol.EncryptedPayload
		if err := json.Unmarshal(readFrame(t, rx.conn), &frame); err != nil {
			t.Fatalf("%s: parse delivery frame: %v", rx.dev.id, err)
		}
		delivered, err := auth.Decrypt(rx.dev.fingerprint, frame)
		if err != nil {
			t.Fatalf("%s: decrypt delivery: %v", rx.dev.id, err)
		}
		var got models.Envelope
		if err := json.Unmarshal(delivered, &got); err != nil {
			t.Fatalf("%s: parse delivered envelope: %v", rx.dev.id, err)
		}
		if got.Payload != env.Payload {
			t.Errorf("%s: payload = %q; want %q", rx.dev.id, got.Payload, env.Payload)
		}
		if got.TimeServer == nil {
			t.Errorf("%s: delivered envelope lacks the server timestamp", rx.dev.id)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for rs.queue.size() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := rs.queue.size(); n != 0 {
		t.Fatalf("queue still holds %d entries after full delivery", n)
	}
}

// A device enrolled but offline at send time receives the message as
// soon as it connects.
func TestEndToEnd_OfflineDeviceCatchesUp(t *testing.T) {
	rs := newRelayServer(t)
	handle, devices := makeAccount(t, rs, "pw", "dev1", "dev2")
	dev1, dev2 := devices["dev1"], devices["dev2"]

	conn1 := dial(t, rs)
	handshake(t, conn1, dev1)

	env := models.Envelope{
		Src: models.Address{Handle: handle, DeviceID: dev1.id},
		Dst: models.Destination{Handle: handle, DeviceID: dev2.id, Explicit: true},
		Payload: "cXVldWVkIHdoaWxlIG9mZmxpbmU=",
	}
	plain, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := auth.Encrypt(dev1.fingerprint, plain)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn1.WriteJSON(enc); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rs.queue.size() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	conn2 := dial(t, rs)
	handshake(t, conn2, dev2)

	var frame protocol.EncryptedPayload
	if err := json.Unmarshal(readFrame(t, conn2), &frame); err != nil {
		t.Fatalf("parse delivery frame: %v", err)
	}
	delivered, err := auth.Decrypt(dev2.fingerprint, frame)
	if err != nil {
		t.Fatalf("decrypt delivery: %v", err)
	}
	var got models.Envelope
	if err := json.Unmarshal(delivered, &got); err != nil {
		t.Fatal(err)
	}
	if got.Payload != env.Payload {
		t.Errorf("payload = %q; want %q", got.Payload, env.Payload)
	}
}
