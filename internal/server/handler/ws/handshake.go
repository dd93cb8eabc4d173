// Package ws implements the socket endpoint: the two-step connection
// handshake that authenticates a device against the account registry,
// and the relay of encrypted application envelopes into the delivery
// queue once the handshake completes.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/textric/textric-server/internal/auth"
	"github.com/textric/textric-server/internal/models"
	"github.com/textric/textric-server/internal/protocol"
	"github.com/textric/textric-server/internal/relay"
)

// AccountService resolves account documents for the handshake.
type AccountService interface {
	GetAccount(ctx context.Context, handle string) (*models.Account, error)
}

// QueueService accepts validated envelopes for durable delivery.
type QueueService interface {
	EnqueueOne(ctx context.Context, env models.Envelope) error
	EnqueueMany(ctx context.Context, envs []models.Envelope) error
}

// ConnRegistry binds authenticated connections for delivery routing.
type ConnRegistry interface {
	Register(ctx context.Context, handle, deviceID, fingerprint string, conn relay.Conn) error
	Deregister(handle, deviceID string)
}

// Handler upgrades HTTP requests to socket connections and runs one
// session per connection.
type Handler struct {
	// Accounts resolves accounts during the handshake.
	Accounts AccountService
	// Queue receives relayed envelopes.
	Queue QueueService
	// Registry tracks authenticated connections.
	Registry ConnRegistry
	// Log is the structured logger.
	Log *zap.Logger

	upgrader websocket.Upgrader
}

// errBadEnvelope rejects decrypted frames that do not form a valid
// envelope.
var errBadEnvelope = errors.New("malformed envelope")

// session phases. A connection advances strictly forward; any fault
// during the first two phases closes it.
type phase int

const (
	phaseUnauthenticated phase = iota
	phaseOpened
	phaseComplete
)

// session is the per-connection handshake state: the server nonce is
// generated before the first frame is read, and the device binding is
// filled in as the phases advance.
type session struct {
	h    *Handler
	ws   *websocket.Conn
	conn *socketConn

	phase       phase
	srvNonce    uint64
	handle      string
	deviceID    string
	fingerprint string
}

// ServeHTTP upgrades the request and runs the session loop until the
// socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("socket upgrade failed", zap.Error(err))
		return
	}

	srvNonce, err := auth.WSNonce()
	if err != nil {
		h.Log.Error("server nonce generation failed", zap.Error(err))
		_ = ws.Close()
		return
	}

	s := &session{
		h:        h,
		ws:       ws,
		conn:     newSocketConn(ws),
		srvNonce: srvNonce,
	}
	s.run()
}

// run processes inbound frames strictly in arrival order. It returns
// when the socket errors or a handshake fault closes it; a completed
// session is deregistered on the way out.
func (s *session) run() {
	defer func() {
		if s.phase == phaseComplete {
			s.h.Registry.Deregister(s.handle, s.deviceID)
		}
		_ = s.conn.Close()
	}()

	ctx := context.Background()
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}

		var ok bool
		switch s.phase {
		case phaseUnauthenticated:
			ok = s.handleOpener(ctx, data)
		case phaseOpened:
			ok = s.handleCompleter(ctx, data)
		case phaseComplete:
			s.handleEnvelope(ctx, data)
			ok = true
		}
		if !ok {
			s.fail()
			return
		}
	}
}

// fail emits the handshake error frame and lets the deferred close
// tear the socket down. The error number is deliberately opaque.
func (s *session) fail() {
	_ = s.conn.Send(protocol.NewError(1))
}

// handleOpener processes the first client frame: it proves the device
// holds its fingerprint by decrypting the device nonce, and answers
// with the incremented device nonce plus the server's own challenge.
func (s *session) handleOpener(ctx context.Context, data []byte) bool {
	var op protocol.Opener
	if err := json.Unmarshal(data, &op); err != nil || !op.Valid() {
		return false
	}

	acct, err := s.h.Accounts.GetAccount(ctx, op.Handle)
	if err != nil {
		return false
	}
	dev, ok := acct.Devices[op.DeviceID]
	if !ok {
		return false
	}

	devNonce, ok := s.decryptNonce(dev.Fingerprint, op.DevNonce)
	if !ok {
		return false
	}

	// Nonce arithmetic wraps at 64 bits.
	devInc, err := encryptNonce(dev.Fingerprint, devNonce+1)
	if err != nil {
		return false
	}
	srvEnc, err := encryptNonce(dev.Fingerprint, s.srvNonce)
	if err != nil {
		return false
	}
	if err := s.conn.Send(protocol.OpenResponse{DevInc: devInc, SrvNonce: srvEnc}); err != nil {
		return false
	}

	s.handle = op.Handle
	s.deviceID = op.DeviceID
	s.fingerprint = dev.Fingerprint
	s.phase = phaseOpened
	return true
}

// handleCompleter processes the second client frame: the incremented
// server nonce proves liveness, replays of an earlier session cannot
// produce it. On success the connection joins the registry, which
// sends the AuthAck.
func (s *session) handleCompleter(ctx context.Context, data []byte) bool {
	var cm protocol.Completer
	if err := json.Unmarshal(data, &cm); err != nil || !cm.Valid() {
		return false
	}

	got, ok := s.decryptNonce(s.fingerprint, cm.SrvInc)
	if !ok {
		return false
	}
	if got != s.srvNonce+1 {
		return false
	}

	if err := s.h.Registry.Register(ctx, s.handle, s.deviceID, s.fingerprint, s.conn); err != nil {
		s.h.Log.Info("registration rejected",
			zap.String("handle", s.handle),
			zap.String("deviceID", s.deviceID),
			zap.Error(err),
		)
		return false
	}

	s.phase = phaseComplete
	return true
}

// handleEnvelope relays one application frame on an authenticated
// connection. Faults here are non-fatal: the frame is dropped, a
// generic error goes back, and the connection stays open.
func (s *session) handleEnvelope(ctx context.Context, data []byte) {
	var enc protocol.EncryptedPayload
	if err := json.Unmarshal(data, &enc); err != nil || !enc.Valid() {
		s.appFault("bad frame", err)
		return
	}
	plain, err := auth.Decrypt(s.fingerprint, enc)
	if err != nil {
		s.appFault("decrypt", err)
		return
	}

	if err := s.enqueue(ctx, plain); err != nil {
		s.appFault("enqueue", err)
	}
}

// enqueue parses the decrypted plaintext as a single envelope or a
// batch, stamps the server receive time, and hands it to the queue.
func (s *session) enqueue(ctx context.Context, plain []byte) error {
	now := time.Now().UnixMilli()

	if isJSONArray(plain) {
		var envs []models.Envelope
		if err := json.Unmarshal(plain, &envs); err != nil {
			return err
		}
		for i := range envs {
			if !envs[i].Valid() {
				return errBadEnvelope
			}
			envs[i].TimeServer = &now
		}
		return s.h.Queue.EnqueueMany(ctx, envs)
	}

	var env models.Envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return err
	}
	if !env.Valid() {
		return errBadEnvelope
	}
	env.TimeServer = &now
	return s.h.Queue.EnqueueOne(ctx, env)
}

func (s *session) appFault(msg string, err error) {
	s.h.Log.Debug("dropping application frame",
		zap.String("handle", s.handle),
		zap.String("reason", msg),
		zap.Error(err),
	)
	_ = s.conn.Send(protocol.NewAppError())
}

// decryptNonce decrypts a handshake nonce: a decimal string encrypted
// under the fingerprint.
func (s *session) decryptNonce(fingerprint string, enc protocol.EncryptedPayload) (uint64, bool) {
	plain, err := auth.Decrypt(fingerprint, enc)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(string(plain), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func encryptNonce(fingerprint string, n uint64) (protocol.EncryptedPayload, error) {
	return auth.Encrypt(fingerprint, []byte(strconv.FormatUint(n, 10)))
}

func isJSONArray(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
