// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package device

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/particle-tools/collider/internal/protocol"
)

// stubServer is a minimal cloud endpoint: it performs the server side of the
// handshake with a fixed session key and then exchanges CoAP packets over the
// framed, chained-CBC stream.
type stubServer struct {
	t        *testing.T
	key      *rsa.PrivateKey // 2048-bit server key
	lis      net.Listener
	breakMAC bool // send garbage instead of the signed HMAC

	mu       sync.Mutex
	conn     net.Conn
	send     *protocol.CipherChain
	recv     *protocol.CipherChain
	inbound  chan *protocol.CoAPPacket
	accepted chan struct{}
}

var (
	serverKeyOnce sync.Once
	serverKey2048 *rsa.PrivateKey
)

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	serverKeyOnce.Do(func() {
		var err error
		serverKey2048, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatal(err)
		}
	})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &stubServer{
		t:        t,
		key:      serverKey2048,
		lis:      lis,
		inbound:  make(chan *protocol.CoAPPacket, 64),
		accepted: make(chan struct{}, 1),
	}
	t.Cleanup(func() { lis.Close(); s.closeConn() })
	go s.acceptLoop()
	return s
}

func (s *stubServer) addr() string { return s.lis.Addr().String() }

func (s *stubServer) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// sessionSecret is the well-known key from the test vectors: 01 02 .. 28.
func sessionSecret() []byte {
	raw := make([]byte, protocol.SessionSecretLen)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	return raw
}

func (s *stubServer) acceptLoop() {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *stubServer) handle(conn net.Conn) {
	// step 1: greet with the nonce
	nonce := bytes.Repeat([]byte{0x00}, 40)
	if _, err := conn.Write(nonce); err != nil {
		return
	}

	// device answers with one RSA blob the size of our modulus
	blob := make([]byte, s.key.Size())
	if _, err := io.ReadFull(conn, blob); err != nil {
		return
	}
	payload, err := rsa.DecryptPKCS1v15(nil, s.key, blob)
	if err != nil {
		s.t.Errorf("stub: decrypting device blob: %v", err)
		return
	}
	if !bytes.Equal(payload[:40], nonce) {
		s.t.Errorf("stub: nonce not echoed")
		return
	}
	devicePub, err := parseDevicePub(payload[40+DeviceIDLen:])
	if err != nil {
		s.t.Errorf("stub: device public key: %v", err)
		return
	}

	// step 2: session key + signed hmac
	raw := sessionSecret()
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, devicePub, raw)
	if err != nil {
		s.t.Errorf("stub: encrypting session key: %v", err)
		return
	}
	var sig []byte
	if s.breakMAC {
		sig = make([]byte, s.key.Size())
		rand.Read(sig)
		sig[0] = 0x00 // keep it inside the modulus
	} else {
		digest := protocol.HMACSHA1(raw, ct)
		sig, err = rsa.SignPKCS1v15(rand.Reader, s.key, 0, digest)
		if err != nil {
			s.t.Errorf("stub: signing hmac: %v", err)
			return
		}
	}
	if _, err := conn.Write(append(ct, sig...)); err != nil {
		return
	}

	secrets, err := protocol.ParseSessionSecrets(raw)
	if err != nil {
		s.t.Errorf("stub: %v", err)
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.send = protocol.NewCipherChain(secrets)
	s.recv = protocol.NewCipherChain(secrets)
	s.mu.Unlock()
	select {
	case s.accepted <- struct{}{}:
	default:
	}

	// greet the device so its hello timer clears
	s.sendPacket(&protocol.CoAPPacket{Type: protocol.Confirmable, Code: protocol.CodePOST, MessageID: 1, URIPath: []string{"h"}})

	framer := protocol.NewFrameDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		for _, frame := range framer.Push(buf[:n]) {
			s.mu.Lock()
			plain, err := s.recv.Decrypt(frame)
			s.mu.Unlock()
			if err != nil {
				s.t.Errorf("stub: decrypt: %v", err)
				return
			}
			pkt, err := protocol.ParseCoAP(plain)
			if err != nil {
				s.t.Errorf("stub: parse: %v", err)
				return
			}
			s.inbound <- pkt
			// confirmables get a bare ACK
			if pkt.Type == protocol.Confirmable {
				s.sendPacket(&protocol.CoAPPacket{Type: protocol.Acknowledgement, Code: protocol.CodeEmpty, MessageID: pkt.MessageID})
			}
		}
	}
}

func parseDevicePub(der []byte) (*rsa.PublicKey, error) {
	return protocol.ParsePublicKeyDER(der)
}

func (s *stubServer) sendPacket(pkt *protocol.CoAPPacket) {
	raw, err := pkt.Marshal()
	if err != nil {
		s.t.Errorf("stub: marshal: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.send == nil {
		return
	}
	ct, err := s.send.Encrypt(raw)
	if err != nil {
		s.t.Errorf("stub: encrypt: %v", err)
		return
	}
	frame, err := protocol.EncodeFrame(ct)
	if err != nil {
		s.t.Errorf("stub: frame: %v", err)
		return
	}
	s.conn.Write(frame)
}

func (s *stubServer) waitPacket(t *testing.T, timeout time.Duration) *protocol.CoAPPacket {
	t.Helper()
	select {
	case pkt := <-s.inbound:
		return pkt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for device packet")
		return nil
	}
}

func testSession(t *testing.T, srv *stubServer) *Session {
	t.Helper()
	ident, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	s := NewSession(ident, &srv.key.PublicKey, srv.addr(), 0)
	t.Cleanup(s.Disconnect)
	return s
}

func waitState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

// Scenario A: full handshake, hello exchanged, session ready.
func TestSessionHandshakeAndHello(t *testing.T) {
	srv := newStubServer(t)
	s := testSession(t, srv)
	s.Connect()

	hello := srv.waitPacket(t, 5*time.Second)
	if got := hello.PathString(); got != "/h" {
		t.Fatalf("first packet path = %s, want /h", got)
	}
	if hello.Code != protocol.CodePOST {
		t.Fatalf("hello code = %#x", hello.Code)
	}
	if len(hello.Payload) != 10+DeviceIDLen {
		t.Fatalf("hello payload is %d bytes, want %d", len(hello.Payload), 10+DeviceIDLen)
	}
	id := s.Identity().ID()
	if !bytes.Equal(hello.Payload[10:], id[:]) {
		t.Fatal("hello payload does not carry the device id")
	}
	if hello.MessageID != 0x2122 {
		t.Fatalf("first message id = %#x, want the session secret's initial id", hello.MessageID)
	}

	waitState(t, s, StateReady, 2*time.Second)
	if !s.IsConnected() {
		t.Fatal("IsConnected() = false in ready state")
	}
}

// Scenario B: a corrupted signed HMAC is fatal.
func TestSessionRejectsBadHMAC(t *testing.T) {
	srv := newStubServer(t)
	srv.breakMAC = true
	s := testSession(t, srv)
	s.Connect()

	select {
	case <-srv.accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("stub never completed the handshake exchange")
	}
	waitState(t, s, StateDisconnected, 5*time.Second)
	if s.IsConnected() {
		t.Fatal("session connected despite bad hmac")
	}
	select {
	case pkt := <-srv.inbound:
		t.Fatalf("device sent %s despite bad hmac", pkt.PathString())
	case <-time.After(200 * time.Millisecond):
	}
}

// Scenario C: describe request gets the canned blob with the token echoed.
func TestSessionAnswersDescribe(t *testing.T) {
	srv := newStubServer(t)
	s := testSession(t, srv)
	s.Connect()
	srv.waitPacket(t, 5*time.Second) // hello
	waitState(t, s, StateReady, 2*time.Second)

	srv.sendPacket(&protocol.CoAPPacket{
		Type: protocol.Confirmable, Code: protocol.CodeGET, MessageID: 2,
		Token: []byte{0xab}, URIPath: []string{"d"},
	})
	reply := srv.waitPacket(t, 5*time.Second)
	if reply.Code != protocol.CodeContent {
		t.Fatalf("describe reply code = %#x, want 2.05", reply.Code)
	}
	if !bytes.Equal(reply.Token, []byte{0xab}) {
		t.Fatalf("token = %x, want ab", reply.Token)
	}
	if !bytes.Equal(reply.Payload, DescribeBlob(DescribeDefault)) {
		t.Fatal("describe payload is not the canned blob")
	}
}

// Scenario D: function call gets 2.04 with a 4-byte return value.
func TestSessionAnswersFunctionCall(t *testing.T) {
	srv := newStubServer(t)
	s := testSession(t, srv)
	s.Connect()
	srv.waitPacket(t, 5*time.Second) // hello
	waitState(t, s, StateReady, 2*time.Second)

	srv.sendPacket(&protocol.CoAPPacket{
		Type: protocol.Confirmable, Code: protocol.CodePOST, MessageID: 3,
		Token: []byte{0x77}, URIPath: []string{"f", "digitalwrite"},
	})
	reply := srv.waitPacket(t, 5*time.Second)
	if reply.Code != protocol.CodeChanged {
		t.Fatalf("function reply code = %#x, want 2.04", reply.Code)
	}
	if !bytes.Equal(reply.Token, []byte{0x77}) {
		t.Fatalf("token = %x, want 77", reply.Token)
	}
	if len(reply.Payload) != 4 {
		t.Fatalf("return value is %d bytes, want 4", len(reply.Payload))
	}
}

// Variable reads answer 2.05 with a 4-byte value.
func TestSessionAnswersVariableRead(t *testing.T) {
	srv := newStubServer(t)
	s := testSession(t, srv)
	s.Connect()
	srv.waitPacket(t, 5*time.Second) // hello
	waitState(t, s, StateReady, 2*time.Second)

	srv.sendPacket(&protocol.CoAPPacket{
		Type: protocol.Confirmable, Code: protocol.CodeGET, MessageID: 4,
		Token: []byte{0x01}, URIPath: []string{"v", "temperature"},
	})
	reply := srv.waitPacket(t, 5*time.Second)
	if reply.Code != protocol.CodeContent || len(reply.Payload) != 4 {
		t.Fatalf("variable reply = code %#x payload %x", reply.Code, reply.Payload)
	}
}

// Scenario E: a dropped socket moves the session to disconnected.
func TestSessionHandlesServerClose(t *testing.T) {
	srv := newStubServer(t)
	s := testSession(t, srv)
	s.Connect()
	srv.waitPacket(t, 5*time.Second) // hello
	waitState(t, s, StateReady, 2*time.Second)

	srv.closeConn()
	waitState(t, s, StateDisconnected, 2*time.Second)
}

// Scenario F: webhook sends arrive framed, encrypted, with strictly
// increasing message ids.
func TestSessionWebhookStormMessageIDs(t *testing.T) {
	srv := newStubServer(t)
	s := testSession(t, srv)
	s.Connect()
	hello := srv.waitPacket(t, 5*time.Second)
	waitState(t, s, StateReady, 2*time.Second)

	for i := 0; i < 5; i++ {
		if err := s.SendWebhook(); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	last := hello.MessageID
	for i := 0; i < 5; i++ {
		pkt := srv.waitPacket(t, 5*time.Second)
		if got := pkt.PathString(); got != "/e/"+s.WebhookName {
			t.Fatalf("packet %d path = %s", i, got)
		}
		if pkt.MessageID <= last {
			t.Fatalf("message id %d not greater than %d", pkt.MessageID, last)
		}
		if len(pkt.Payload) == 0 || pkt.Payload[0] != '{' {
			t.Fatalf("webhook payload does not look like JSON: %q", pkt.Payload)
		}
		last = pkt.MessageID
	}
}

// Events delivered to the device reach subscribers, with the trailing chunk
// index stripped from the name.
func TestSessionDispatchesEvents(t *testing.T) {
	srv := newStubServer(t)
	s := testSession(t, srv)

	got := make(chan Event, 1)
	s.Subscribe("fleet/announce", func(e Event) { got <- e })

	s.Connect()
	srv.waitPacket(t, 5*time.Second) // hello
	waitState(t, s, StateReady, 2*time.Second)

	srv.sendPacket(&protocol.CoAPPacket{
		Type: protocol.Confirmable, Code: protocol.CodePOST, MessageID: 9,
		URIPath: []string{"e", "fleet", "announce", "0"}, Payload: []byte("42"),
	})
	select {
	case e := <-got:
		if e.Name != "fleet/announce" || !bytes.Equal(e.Data, []byte("42")) {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestSessionDisconnectIdempotent(t *testing.T) {
	srv := newStubServer(t)
	s := testSession(t, srv)
	s.Connect()
	srv.waitPacket(t, 5*time.Second)
	waitState(t, s, StateReady, 2*time.Second)

	s.Disconnect()
	s.Disconnect()
	if s.State() != StateDisconnected {
		t.Fatalf("state = %v after disconnect", s.State())
	}

	// sticky: a later Connect must be a no-op
	s.Connect()
	time.Sleep(50 * time.Millisecond)
	if s.State() != StateDisconnected {
		t.Fatal("connect after user disconnect was not suppressed")
	}
	s.mu.Lock()
	timer := s.reconnectTimer
	s.mu.Unlock()
	if timer != nil {
		t.Fatal("reconnect timer survived disconnect")
	}
}

func TestNormalizeAddr(t *testing.T) {
	cases := []struct{ in, want string }{
		{"example.com", "example.com:5683"},
		{"example.com:7000", "example.com:7000"},
		{"tcp://example.com", "example.com:5683"},
		{"https://10.0.0.1/", "10.0.0.1:5683"},
		{"10.0.0.1:5683", "10.0.0.1:5683"},
	}
	for _, tc := range cases {
		if got := NormalizeAddr(tc.in); got != tc.want {
			t.Fatalf("NormalizeAddr(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEventNameFromPath(t *testing.T) {
	cases := []struct {
		segs []string
		want string
	}{
		{[]string{"e", "temp"}, "temp"},
		{[]string{"e", "temp", "0"}, "temp"},
		{[]string{"E", "fleet", "wide", "12"}, "fleet/wide"},
		{[]string{"e", "42"}, "42"}, // a lone numeric segment is the name itself
	}
	for _, tc := range cases {
		if got := eventNameFromPath(tc.segs); got != tc.want {
			t.Fatalf("eventNameFromPath(%v) = %q, want %q", tc.segs, got, tc.want)
		}
	}
}

func TestHelloPayloadLayout(t *testing.T) {
	// the fixed fields of the hello payload are big-endian u16s
	var buf []byte
	buf = binary.BigEndian.AppendUint16(buf, defaultProductID)
	buf = binary.BigEndian.AppendUint16(buf, defaultFirmware)
	buf = append(buf, 0, 0)
	buf = binary.BigEndian.AppendUint16(buf, defaultPlatform)
	buf = binary.BigEndian.AppendUint16(buf, DeviceIDLen)
	if len(buf) != 10 {
		t.Fatalf("fixed hello prefix is %d bytes, want 10", len(buf))
	}
	if buf[9] != DeviceIDLen {
		t.Fatalf("device id length byte = %d", buf[9])
	}
}
