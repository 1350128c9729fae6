// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package device

import (
	"context"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/particle-tools/collider/internal/protocol"
)

// State of a device session.
type State int32

const (
	StateDisconnected State = iota
	StateNonce
	StateAwaitSessionKey
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNonce:
		return "nonce"
	case StateAwaitSessionKey:
		return "await-session-key"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

const (
	// DefaultPort is the cloud's device listener port.
	DefaultPort = "5683"

	nonceLen = 40

	dialTimeout      = 10 * time.Second
	helloTimeout     = 3 * time.Second
	pingInterval     = 10 * time.Second
	idleTimeout      = 31 * time.Second
	reconnectDelay   = 15 * time.Second
	responseTimeout  = 10 * time.Second
	readChunkSize    = 4096
	defaultWebhook   = "collider-test"
	defaultProductID = 6
	defaultPlatform  = 6
	defaultFirmware  = 65535
)

// ErrCancelled resolves pending response waits when the session tears down.
var ErrCancelled = errors.New("device: session closed")

// Event is a cloud-to-device event delivered on /e or /E.
type Event struct {
	Name string
	Data []byte
}

// EventHandler observes delivered events.
type EventHandler func(Event)

// Session impersonates one physical device: it performs the RSA handshake,
// owns both directions of the framed AES-CBC pipeline, and speaks CoAP with
// the cloud. One Session maps to at most one TCP connection at a time.
type Session struct {
	identity  *Identity
	serverKey *rsa.PublicKey
	addr      string
	throttle  *protocol.Throttle

	// WebhookName is the event published by SendWebhook.
	WebhookName string

	state atomic.Int32

	mu             sync.Mutex // connection lifecycle
	conn           net.Conn
	cancel         context.CancelFunc
	reconnectTimer *time.Timer
	helloTimer     *time.Timer
	connEpoch      uint64
	running        bool
	userClosed     bool

	// wmu serializes the entire outbound path: message-id allocation,
	// cipher chaining, framing, socket write. Two racing sends never
	// interleave. The receive chain is owned by the read goroutine and
	// needs no lock.
	wmu       sync.Mutex
	sendChain *protocol.CipherChain
	msgID     uint16
	token     [protocol.TokenPrefixLen]byte

	pmu     sync.Mutex
	pending map[uint16]chan *protocol.CoAPPacket

	smu  sync.Mutex
	subs map[string][]EventHandler

	sent     atomic.Uint64
	received atomic.Uint64

	log *slog.Logger
}

// NewSession builds a session for identity against addr (scheme stripped,
// port defaulted) with an artificial per-chunk delay. The server key handle
// is shared by every session in the process.
func NewSession(identity *Identity, serverKey *rsa.PublicKey, addr string, delay time.Duration) *Session {
	return &Session{
		identity:    identity,
		serverKey:   serverKey,
		addr:        NormalizeAddr(addr),
		throttle:    protocol.NewThrottle(delay),
		WebhookName: defaultWebhook,
		pending:     make(map[uint16]chan *protocol.CoAPPacket),
		subs:        make(map[string][]EventHandler),
		log:         slog.Default().With("device", identity.IDHex()),
	}
}

// NormalizeAddr strips a URL scheme and appends the default device port when
// none is given.
func NormalizeAddr(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	addr = strings.TrimSuffix(addr, "/")
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}
	return addr
}

// Identity returns the device identity the session connects as.
func (s *Session) Identity() *Identity { return s.identity }

// State returns the current session state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsConnected reports whether the session completed the handshake and is
// exchanging CoAP traffic.
func (s *Session) IsConnected() bool { return s.State() == StateReady }

// MessagesSent returns the number of CoAP packets pushed to the wire.
func (s *Session) MessagesSent() uint64 { return s.sent.Load() }

// MessagesReceived returns the number of CoAP packets decoded off the wire.
func (s *Session) MessagesReceived() uint64 { return s.received.Load() }

// Connect starts the async handshake. It is a no-op while a connection
// attempt is live or after Disconnect.
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userClosed || s.running {
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.connEpoch++
	go s.run(ctx, s.connEpoch)
}

// Disconnect tears the session down for good: timers cancelled, socket
// closed, pending waits resolved. Idempotent; no reconnect ever follows.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.userClosed = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.mu.Unlock()
	s.teardown(0, errors.New("user disconnect"))
}

// Subscribe registers a handler for events delivered to this device.
func (s *Session) Subscribe(name string, h EventHandler) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.subs[name] = append(s.subs[name], h)
}

// Unsubscribe drops every handler registered for name.
func (s *Session) Unsubscribe(name string) {
	s.smu.Lock()
	defer s.smu.Unlock()
	delete(s.subs, name)
}

func (s *Session) run(ctx context.Context, epoch uint64) {
	conn, err := net.DialTimeout("tcp", s.addr, dialTimeout)
	if err != nil {
		s.log.Warn("dial failed", "addr", s.addr, "err", err)
		s.teardown(epoch, err)
		return
	}

	s.mu.Lock()
	if s.userClosed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.state.Store(int32(StateNonce))

	recvChain, err := s.handshake(ctx, conn)
	if err != nil {
		s.log.Warn("handshake failed", "err", err)
		s.teardown(epoch, err)
		return
	}
	s.state.Store(int32(StateReady))
	s.log.Info("session ready", "addr", s.addr)

	if err := s.sendHello(); err != nil {
		s.teardown(epoch, err)
		return
	}
	s.armHelloTimer(epoch)
	go s.pingLoop(ctx)

	err = s.readLoop(ctx, conn, recvChain)
	s.teardown(epoch, err)
}

// handshake performs the three-step key exchange on the raw socket and
// returns the inbound cipher chain. Until it completes, nothing on this
// connection is framed or enciphered.
func (s *Session) handshake(ctx context.Context, conn net.Conn) (*protocol.CipherChain, error) {
	// Step 1: the server greets with 40 plaintext random bytes.
	nonce := make([]byte, nonceLen)
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	if _, err := io.ReadFull(conn, nonce); err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}

	pubDER, err := s.identity.PublicKeyDER()
	if err != nil {
		return nil, err
	}
	id := s.identity.ID()
	payload := make([]byte, 0, nonceLen+DeviceIDLen+len(pubDER))
	payload = append(payload, nonce...)
	payload = append(payload, id[:]...)
	payload = append(payload, pubDER...)

	blob, err := protocol.EncryptPublic(s.serverKey, payload)
	if err != nil {
		return nil, fmt.Errorf("encrypting handshake payload: %w", err)
	}
	if _, err := conn.Write(blob); err != nil {
		return nil, fmt.Errorf("writing handshake payload: %w", err)
	}
	s.state.Store(int32(StateAwaitSessionKey))

	// Step 2: session key ciphertext (device modulus size) plus the server's
	// signature over its HMAC (server modulus size).
	cipherLen := s.identity.PrivateKey().Size()
	resp := make([]byte, cipherLen+s.serverKey.Size())
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("reading session key: %w", err)
	}
	cipherText, signedHMAC := resp[:cipherLen], resp[cipherLen:]

	sessionKey, err := protocol.DecryptPrivate(s.identity.PrivateKey(), cipherText)
	if err != nil {
		return nil, fmt.Errorf("decrypting session key: %w", err)
	}
	expected := protocol.HMACSHA1(sessionKey, cipherText)
	got, err := protocol.DecryptPublic(s.serverKey, signedHMAC)
	if err != nil {
		return nil, fmt.Errorf("recovering signed hmac: %w", err)
	}
	if !protocol.HMACEqual(got, expected) {
		return nil, errors.New("device: session key hmac mismatch")
	}

	secrets, err := protocol.ParseSessionSecrets(sessionKey)
	if err != nil {
		return nil, err
	}

	s.wmu.Lock()
	s.sendChain = protocol.NewCipherChain(secrets)
	s.msgID = secrets.MessageID
	s.token = secrets.TokenPrefix
	s.wmu.Unlock()
	return protocol.NewCipherChain(secrets), ctx.Err()
}

// readLoop drains the socket through throttle, framer and cipher, in arrival
// order, until the connection dies.
func (s *Session) readLoop(ctx context.Context, conn net.Conn, recvChain *protocol.CipherChain) error {
	framer := protocol.NewFrameDecoder()
	buf := make([]byte, readChunkSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		if !s.throttle.Hold(ctx) {
			return ctx.Err()
		}
		for _, frame := range framer.Push(buf[:n]) {
			plain, err := recvChain.Decrypt(frame)
			if err != nil {
				// the chained IV is unrecoverable once a frame is garbled
				return err
			}
			pkt, err := protocol.ParseCoAP(plain)
			if err != nil {
				s.log.Warn("dropping unparseable packet", "err", err)
				continue
			}
			s.received.Add(1)
			s.dispatch(pkt)
		}
	}
}

// dispatch routes one inbound packet by its first Uri-Path segment.
func (s *Session) dispatch(pkt *protocol.CoAPPacket) {
	if pkt.IsACK() {
		s.resolvePending(pkt)
		return
	}
	if len(pkt.URIPath) == 0 {
		s.log.Debug("ignoring packet without path", "code", pkt.Code)
		return
	}
	switch pkt.URIPath[0] {
	case "h":
		s.clearHelloTimer()
	case "d":
		s.handleDescribe(pkt)
	case "f":
		s.reply(pkt, protocol.CodeChanged, randomUint32Payload())
	case "v":
		s.reply(pkt, protocol.CodeContent, randomUint32Payload())
	case "E", "e":
		s.handleEvent(pkt)
	default:
		s.log.Debug("ignoring unknown uri", "path", pkt.PathString())
	}
}

func (s *Session) handleDescribe(pkt *protocol.CoAPPacket) {
	flag := byte(DescribeDefault)
	if len(pkt.Payload) > 8 {
		if v := pkt.Payload[8]; v <= DescribeAll {
			flag = v
		} else {
			s.log.Warn("invalid describe flag, describing everything", "flag", v)
		}
	}
	s.reply(pkt, protocol.CodeContent, DescribeBlob(flag))
}

func (s *Session) handleEvent(pkt *protocol.CoAPPacket) {
	name := eventNameFromPath(pkt.URIPath)
	if name == "" {
		s.log.Debug("event with empty name", "path", pkt.PathString())
		return
	}
	s.smu.Lock()
	handlers := append([]EventHandler(nil), s.subs[name]...)
	s.smu.Unlock()
	for _, h := range handlers {
		h(Event{Name: name, Data: pkt.Payload})
	}
}

// eventNameFromPath reconstructs the event name: everything after the e/E
// segment, minus a trailing numeric chunk index.
func eventNameFromPath(segs []string) string {
	parts := segs[1:]
	if len(parts) > 1 && isDigits(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, "/")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// reply answers a server request, echoing its token.
func (s *Session) reply(req *protocol.CoAPPacket, code protocol.CoAPCode, payload []byte) {
	pkt := &protocol.CoAPPacket{
		Type:    protocol.NonConfirmable,
		Code:    code,
		Token:   req.Token,
		Payload: payload,
	}
	if _, err := s.send(pkt, nil); err != nil {
		s.log.Debug("dropping reply", "err", err)
	}
}

func (s *Session) sendHello() error {
	id := s.identity.ID()
	payload := make([]byte, 0, 10+DeviceIDLen)
	payload = binary.BigEndian.AppendUint16(payload, defaultProductID)
	payload = binary.BigEndian.AppendUint16(payload, defaultFirmware)
	payload = append(payload, 0, 0)
	payload = binary.BigEndian.AppendUint16(payload, defaultPlatform)
	payload = binary.BigEndian.AppendUint16(payload, DeviceIDLen)
	payload = append(payload, id[:]...)

	_, err := s.send(&protocol.CoAPPacket{
		Type:    protocol.Confirmable,
		Code:    protocol.CodePOST,
		Token:   s.requestToken(),
		URIPath: []string{"h"},
		Payload: payload,
	}, nil)
	return err
}

// SendEvent publishes a confirmable POST /e/<name> and waits for the ACK. A
// missing ACK is a warning, not an error.
func (s *Session) SendEvent(name string, payload []byte) error {
	ch := make(chan *protocol.CoAPPacket, 1)
	mid, err := s.send(&protocol.CoAPPacket{
		Type:    protocol.Confirmable,
		Code:    protocol.CodePOST,
		Token:   s.requestToken(),
		URIPath: []string{"e", name},
		Payload: payload,
	}, ch)
	if err != nil {
		return err
	}
	if _, err := s.waitForResponse(mid, ch, responseTimeout); err != nil && !errors.Is(err, ErrCancelled) {
		s.log.Warn("no ack for event", "event", name, "messageID", mid)
	}
	return nil
}

// SendWebhook publishes the configured test-webhook event with a small random
// JSON payload.
func (s *Session) SendWebhook() error {
	payload := fmt.Sprintf(`{"source":%q,"reading":%.2f,"tag":%q}`,
		s.identity.IDHex(), gofakeit.Float64Range(0, 100), gofakeit.Word())
	return s.SendEvent(s.WebhookName, []byte(payload))
}

// SubscribeRemote asks the cloud to deliver <name> events to this device.
func (s *Session) SubscribeRemote(name string) error {
	ch := make(chan *protocol.CoAPPacket, 1)
	mid, err := s.send(&protocol.CoAPPacket{
		Type:    protocol.Confirmable,
		Code:    protocol.CodeGET,
		Token:   s.requestToken(),
		URIPath: []string{"e", name},
	}, ch)
	if err != nil {
		return err
	}
	if _, err := s.waitForResponse(mid, ch, responseTimeout); err != nil {
		return err
	}
	return nil
}

func (s *Session) requestToken() []byte {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return []byte{s.token[0]}
}

// send pushes one packet through message-id allocation, cipher, framing and
// throttle onto the socket. When ack is non-nil the packet's message id is
// registered for ACK correlation before any byte can reach the server.
func (s *Session) send(pkt *protocol.CoAPPacket, ack chan *protocol.CoAPPacket) (mid uint16, err error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.sendChain == nil || s.State() != StateReady {
		return 0, errors.New("device: not ready")
	}
	pkt.MessageID = s.msgID
	s.msgID++

	if ack != nil {
		s.pmu.Lock()
		s.pending[pkt.MessageID] = ack
		s.pmu.Unlock()
		defer func() {
			if err != nil {
				s.pmu.Lock()
				delete(s.pending, pkt.MessageID)
				s.pmu.Unlock()
			}
		}()
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return 0, err
	}
	ct, err := s.sendChain.Encrypt(raw)
	if err != nil {
		return 0, err
	}
	frame, err := protocol.EncodeFrame(ct)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, errors.New("device: no connection")
	}
	if !s.throttle.Hold(context.Background()) {
		return 0, ErrCancelled
	}
	if _, err := conn.Write(frame); err != nil {
		// a stress tool drops what the socket refuses
		s.log.Debug("write dropped", "err", err)
		return pkt.MessageID, nil
	}
	s.sent.Add(1)
	return pkt.MessageID, nil
}

// waitForResponse blocks until the ACK for mid arrives, the timeout expires,
// or the session tears down.
func (s *Session) waitForResponse(mid uint16, ch chan *protocol.CoAPPacket, timeout time.Duration) (*protocol.CoAPPacket, error) {
	defer func() {
		s.pmu.Lock()
		delete(s.pending, mid)
		s.pmu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pkt, ok := <-ch:
		if !ok {
			return nil, ErrCancelled
		}
		return pkt, nil
	case <-timer.C:
		return nil, fmt.Errorf("device: no response for message %d", mid)
	}
}

func (s *Session) resolvePending(pkt *protocol.CoAPPacket) {
	s.pmu.Lock()
	ch, ok := s.pending[pkt.MessageID]
	if ok {
		delete(s.pending, pkt.MessageID)
	}
	s.pmu.Unlock()
	if ok {
		ch <- pkt
	} else {
		s.log.Debug("unsolicited ack", "messageID", pkt.MessageID)
	}
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateReady {
				continue
			}
			if _, err := s.send(&protocol.CoAPPacket{
				Type: protocol.Confirmable,
				Code: protocol.CodeEmpty,
			}, nil); err != nil {
				s.log.Debug("ping dropped", "err", err)
			}
		}
	}
}

func (s *Session) armHelloTimer(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userClosed {
		return
	}
	s.helloTimer = time.AfterFunc(helloTimeout, func() {
		s.log.Warn("no hello response from server")
		s.teardown(epoch, errors.New("hello timeout"))
	})
}

func (s *Session) clearHelloTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.helloTimer != nil {
		s.helloTimer.Stop()
		s.helloTimer = nil
	}
}

// teardown closes the current connection and, unless the user disconnected,
// schedules the next attempt. epoch guards against a stale timer or goroutine
// tearing down a newer connection; 0 forces it.
func (s *Session) teardown(epoch uint64, cause error) {
	s.mu.Lock()
	if epoch != 0 && epoch != s.connEpoch {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.helloTimer != nil {
		s.helloTimer.Stop()
		s.helloTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.running = false
	closed := s.userClosed
	s.mu.Unlock()

	s.state.Store(int32(StateDisconnected))
	if conn != nil {
		conn.Close()
	}

	s.wmu.Lock()
	s.sendChain = nil
	s.wmu.Unlock()

	s.pmu.Lock()
	for mid, ch := range s.pending {
		close(ch)
		delete(s.pending, mid)
	}
	s.pmu.Unlock()

	if closed {
		return
	}
	s.log.Info("connection lost, reconnecting", "in", reconnectDelay, "cause", cause)
	s.mu.Lock()
	if s.reconnectTimer == nil && !s.userClosed {
		s.reconnectTimer = time.AfterFunc(reconnectDelay, func() {
			s.mu.Lock()
			s.reconnectTimer = nil
			s.mu.Unlock()
			s.Connect()
		})
	}
	s.mu.Unlock()
}

func randomUint32Payload() []byte {
	buf, err := protocol.RandomBytes(4)
	if err != nil {
		return []byte{0, 0, 0, 0}
	}
	return buf
}
