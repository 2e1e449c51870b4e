// Package transport implements the framed, authenticated-encryption
// wire carrier of spec.md §4.9: a curve25519 ECDH handshake transcript-
// bound with blake2s, deriving two independent chacha20poly1305 AEAD
// streams via hkdf, running atop a gorilla/websocket full-duplex
// connection. Framing splits messages into ~1500-byte packets reassembled
// by message_id, the same "message split into fixed packets, reassembled
// by ID" shape spec.md §4.9 describes.
package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"hash"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/gorilla/websocket"

	"github.com/btcsuite/btclog"

	"github.com/armorynet/armoryd/armoryerr"
	"github.com/armorynet/armoryd/armorylog"
)

var log = armorylog.NewSubsystem("TRPT")

// UseLogger rewires this package's logger.
func UseLogger(l btclog.Logger) { log = l }

// maxPacketSize matches spec.md §4.9's ~1500-byte packet target, leaving
// headroom for the frame header and AEAD tag under typical MTUs.
const maxPacketSize = 1450

// frameHeaderSize is (message_id uint64, packet_count uint8,
// packet_index uint8), spec.md §4.9's exact frame header.
const frameHeaderSize = 8 + 1 + 1

// maxPacketCount is the hard ceiling spec.md §4.9 places on
// reassembly.
const maxPacketCount = 255

// Mode selects which side of the handshake a Conn performs authentication
// for (spec.md §4.9).
type Mode int

const (
	// ModeMutual has each side send its static identity key and check the
	// peer's against the authorized-peers file. The static keys do not
	// enter the session key derivation.
	ModeMutual Mode = iota
	// ModeOneWay exchanges ephemeral keys only; no static key is sent, so
	// neither side's long-term identity is authenticated.
	ModeOneWay
)

// PeerAuthorizer decides whether a presented static public key is
// authorized, backed by the per-installation authorized-peers file.
type PeerAuthorizer interface {
	IsAuthorized(staticPub [32]byte) bool
}

// IdentityKey is a long-term curve25519 keypair used for handshake
// authentication.
type IdentityKey struct {
	Priv [32]byte
	Pub  [32]byte
}

// GenerateIdentityKey creates a fresh curve25519 keypair.
func GenerateIdentityKey() (IdentityKey, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return IdentityKey{}, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return IdentityKey{}, err
	}
	var k IdentityKey
	k.Priv = priv
	copy(k.Pub[:], pub)
	return k, nil
}

// newBlake2s256 adapts blake2s.New256 to the hash.Hash-factory shape
// hkdf.New expects.
func newBlake2s256() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// rekeyByteThreshold bounds how much traffic one AEAD key is used for
// before NeedsRekey reports a rekey is due. It is the only trigger;
// elapsed time does not cause a rekey.
const rekeyByteThreshold = 1 << 30 // 1 GiB per direction

// aeadStream is one direction's AEAD cipher plus its strictly
// incrementing nonce counter; sequence numbers must never repeat, so
// Seal/Open both advance the same counter their caller owns.
type aeadStream struct {
	aead   cipher.AEAD
	seq    uint64
	bytes  uint64
	rekeys uint32
}

func newAEADStream(key [32]byte) (*aeadStream, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &aeadStream{aead: aead}, nil
}

func (s *aeadStream) nonce() [12]byte {
	var n [12]byte
	binary.LittleEndian.PutUint64(n[4:], s.seq)
	return n
}

// Conn wraps a gorilla/websocket connection with the handshake-derived
// AEAD streams and frame reassembly state.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	sendKey *aeadStream
	recvKey *aeadStream

	PeerStatic [32]byte
	Authenticated bool

	reassembly map[uint64]*partialMessage
}

type partialMessage struct {
	total    uint8
	received uint8
	packets  [][]byte
}

// NewConn wraps an already-upgraded websocket connection; callers run
// Handshake before Send/Recv are usable.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, reassembly: make(map[uint64]*partialMessage)}
}

// Handshake performs the ECDH exchange: an ephemeral keypair from each
// side, transcript-bound via blake2s and expanded into two independent
// directional keys via hkdf. In mutual mode each side also sends its
// static identity key and checks the peer's with authz; the static keys
// are not mixed into the derived keys.
func (c *Conn) Handshake(mode Mode, local IdentityKey, isInitiator bool, authz PeerAuthorizer) error {
	ephemeral, err := GenerateIdentityKey()
	if err != nil {
		return armoryerr.Wrap(armoryerr.KindTransport, err)
	}

	if err := c.sendRaw(ephemeral.Pub[:]); err != nil {
		return armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrHandshakeFailed)
	}
	peerEphemeral, err := c.recvRaw()
	if err != nil || len(peerEphemeral) != 32 {
		return armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrHandshakeFailed)
	}

	if mode == ModeMutual {
		if err := c.sendRaw(local.Pub[:]); err != nil {
			return armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrHandshakeFailed)
		}
	}
	var peerStaticBytes []byte
	if mode == ModeMutual {
		peerStaticBytes, err = c.recvRaw()
		if err != nil || len(peerStaticBytes) != 32 {
			return armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrHandshakeFailed)
		}
		var peerStatic [32]byte
		copy(peerStatic[:], peerStaticBytes)
		if authz != nil && !authz.IsAuthorized(peerStatic) {
			return armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrAuthRejected)
		}
		c.PeerStatic = peerStatic
		c.Authenticated = true
	} else if isInitiator {
		// One-way mode: neither side presents a static key, so the
		// peer is not authenticated.
		c.Authenticated = false
	}

	var peerEph [32]byte
	copy(peerEph[:], peerEphemeral)
	shared, err := curve25519.X25519(ephemeral.Priv[:], peerEph[:])
	if err != nil {
		return armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrHandshakeFailed)
	}

	// Hash the initiator's ephemeral key first so both sides agree.
	first, second := ephemeral.Pub[:], peerEphemeral
	if !isInitiator {
		first, second = peerEphemeral, ephemeral.Pub[:]
	}
	transcript := blake2s.Sum256(append(append([]byte{}, first...), second...))

	outKey, inKey, err := deriveSessionKeys(shared, transcript[:], isInitiator)
	if err != nil {
		return armoryerr.Wrap(armoryerr.KindTransport, err)
	}

	c.sendKey, err = newAEADStream(outKey)
	if err != nil {
		return armoryerr.Wrap(armoryerr.KindTransport, err)
	}
	c.recvKey, err = newAEADStream(inKey)
	if err != nil {
		return armoryerr.Wrap(armoryerr.KindTransport, err)
	}

	return nil
}

// deriveSessionKeys expands the ECDH shared secret plus handshake
// transcript into two 32-byte AEAD keys via hkdf over blake2s-256, one per
// direction; the initiator's "client->server" key is the peer's
// "server->client" recv key and vice versa, so both sides derive the
// same pair of streams but swap which one they send/receive on.
func deriveSessionKeys(shared, transcript []byte, isInitiator bool) (send, recv [32]byte, err error) {
	r := hkdf.New(newBlake2s256, shared, transcript, []byte("armoryd session keys"))
	var a, b [32]byte
	if _, err = io.ReadFull(r, a[:]); err != nil {
		return send, recv, err
	}
	if _, err = io.ReadFull(r, b[:]); err != nil {
		return send, recv, err
	}
	if isInitiator {
		return a, b, nil
	}
	return b, a, nil
}

func (c *Conn) sendRaw(b []byte) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *Conn) recvRaw() ([]byte, error) {
	_, b, err := c.ws.ReadMessage()
	return b, err
}

// Send encrypts and frames payload, splitting it into ≤maxPacketSize
// packets under messageID, and serializes the write against any other
// concurrent sender (spec.md §4.9: "the writer side serializes all
// outbound payloads through a single queue" — here a mutex plays that
// role since one Conn has exactly one writer goroutine calling Send at a
// time by construction of the dispatcher's single outbound queue).
func (c *Conn) Send(messageID uint64, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	packetCount := (len(payload) + maxPacketSize - 1) / maxPacketSize
	if packetCount == 0 {
		packetCount = 1
	}
	if packetCount > maxPacketCount {
		return armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrFrameViolation)
	}

	for i := 0; i < packetCount; i++ {
		start := i * maxPacketSize
		end := start + maxPacketSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		header := make([]byte, frameHeaderSize)
		binary.LittleEndian.PutUint64(header[0:8], messageID)
		header[8] = byte(packetCount)
		header[9] = byte(i)

		plaintext := append(header, chunk...)
		sealed, err := c.seal(plaintext)
		if err != nil {
			return armoryerr.Wrap(armoryerr.KindTransport, err)
		}
		if err := c.sendRaw(sealed); err != nil {
			return armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrConnectionLost)
		}
	}
	return nil
}

func (c *Conn) seal(plaintext []byte) ([]byte, error) {
	nonce := c.sendKey.nonce()
	sealed := c.sendKey.aead.Seal(nil, nonce[:], plaintext, nil)
	c.sendKey.seq++
	c.sendKey.bytes += uint64(len(plaintext))
	return sealed, nil
}

func (c *Conn) open(ciphertext []byte) ([]byte, error) {
	nonce := c.recvKey.nonce()
	plaintext, err := c.recvKey.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrSequenceOutOfOrder)
	}
	c.recvKey.seq++
	c.recvKey.bytes += uint64(len(plaintext))
	return plaintext, nil
}

// NeedsRekey reports whether either direction has crossed the byte
// threshold and should rekey before the next Send/Recv.
func (c *Conn) NeedsRekey() bool {
	return c.sendKey.bytes >= rekeyByteThreshold || c.recvKey.bytes >= rekeyByteThreshold
}

// Rekey re-derives both directional keys from the current key material,
// incrementing the observable rekey counters (spec.md §4.9: "outer and
// inner rekey counters are observable").
func (c *Conn) Rekey() error {
	r := hkdf.New(newBlake2s256, append(c.sendKey.nonce()[:], c.recvKey.nonce()[:]...), nil, []byte("armoryd rekey"))
	var newSend, newRecv [32]byte
	if _, err := io.ReadFull(r, newSend[:]); err != nil {
		return armoryerr.Wrap(armoryerr.KindTransport, err)
	}
	if _, err := io.ReadFull(r, newRecv[:]); err != nil {
		return armoryerr.Wrap(armoryerr.KindTransport, err)
	}
	sendStream, err := newAEADStream(newSend)
	if err != nil {
		return armoryerr.Wrap(armoryerr.KindTransport, err)
	}
	recvStream, err := newAEADStream(newRecv)
	if err != nil {
		return armoryerr.Wrap(armoryerr.KindTransport, err)
	}
	sendStream.rekeys = c.sendKey.rekeys + 1
	recvStream.rekeys = c.recvKey.rekeys + 1
	c.sendKey = sendStream
	c.recvKey = recvStream
	return nil
}

// RekeyCounters reports the outer (send) and inner (recv) rekey counts.
func (c *Conn) RekeyCounters() (outer, inner uint32) {
	return c.sendKey.rekeys, c.recvKey.rekeys
}

// Recv reads and decrypts packets until some message's final packet
// arrives, then returns that reassembled message. A packet whose packet_count disagrees with an
// in-progress message_id fails the stream with FrameViolation (spec.md
// §4.9).
func (c *Conn) Recv() (messageID uint64, payload []byte, err error) {
	for {
		ciphertext, rerr := c.recvRaw()
		if rerr != nil {
			return 0, nil, armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrConnectionLost)
		}
		plaintext, oerr := c.open(ciphertext)
		if oerr != nil {
			return 0, nil, oerr
		}
		if len(plaintext) < frameHeaderSize {
			return 0, nil, armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrFrameViolation)
		}

		msgID := binary.LittleEndian.Uint64(plaintext[0:8])
		count := plaintext[8]
		index := plaintext[9]
		chunk := plaintext[frameHeaderSize:]

		if count > maxPacketCount {
			return 0, nil, armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrFrameViolation)
		}

		pm, ok := c.reassembly[msgID]
		if !ok {
			pm = &partialMessage{total: count, packets: make([][]byte, count)}
			c.reassembly[msgID] = pm
		}
		if pm.total != count {
			delete(c.reassembly, msgID)
			return 0, nil, armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrFrameViolation)
		}
		if int(index) >= len(pm.packets) {
			delete(c.reassembly, msgID)
			return 0, nil, armoryerr.Wrap(armoryerr.KindTransport, armoryerr.ErrFrameViolation)
		}
		pm.packets[index] = append([]byte(nil), chunk...)
		pm.received++

		if pm.received == pm.total {
			delete(c.reassembly, msgID)
			var full []byte
			for _, p := range pm.packets {
				full = append(full, p...)
			}
			return msgID, full, nil
		}
	}
}

// Close releases the underlying websocket connection.
func (c *Conn) Close() error { return c.ws.Close() }

// RemoteAddr reports the underlying connection's peer address, for log
// lines and grace-period eviction bookkeeping.
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }
