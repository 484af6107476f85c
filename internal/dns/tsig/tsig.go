// Package tsig implements the RFC 2845 transaction-signature state machine
// used to authenticate AXFR transfers: per-request signing, and the rolling
// digest that lets a multi-packet response carry a TSIG record only on some
// of its packets.
package tsig

import (
	"crypto/hmac"
	"crypto/md5" // #nosec G501 -- hmac-md5 is RFC 2845's baseline algorithm
	"crypto/sha1" // #nosec G505 -- RFC 4635 HMAC-SHA1 support
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"time"

	"github.com/poyrazK/cloudDNS/internal/dns/packet"
)

var sha1New = sha1.New

// Algorithm names as carried on the wire (RFC 2845 / RFC 4635).
const (
	AlgHMACMD5    = "hmac-md5.sig-alg.reg.int."
	AlgHMACSHA1   = "hmac-sha1."
	AlgHMACSHA224 = "hmac-sha224."
	AlgHMACSHA256 = "hmac-sha256."
	AlgHMACSHA384 = "hmac-sha384."
	AlgHMACSHA512 = "hmac-sha512."
)

// MaxUntaggedPackets bounds the number of consecutive AXFR response packets
// that may omit their own TSIG record before the rolling digest must close.
// This is a local policy rather than a protocol constant, kept fixed rather
// than plumbed through configuration.
const MaxUntaggedPackets = 100

// ErrKeyAlg is returned when a TSIG key names an unsupported algorithm.
var ErrKeyAlg = errors.New("tsig: unsupported algorithm")

func newHash(alg string, secret []byte) (hash.Hash, error) {
	switch alg {
	case AlgHMACMD5:
		return hmac.New(md5.New, secret), nil
	case AlgHMACSHA1:
		return hmac.New(sha1New, secret), nil
	case AlgHMACSHA224:
		return hmac.New(sha256.New224, secret), nil
	case AlgHMACSHA256:
		return hmac.New(sha256.New, secret), nil
	case AlgHMACSHA384:
		return hmac.New(sha512.New384, secret), nil
	case AlgHMACSHA512:
		return hmac.New(sha512.New, secret), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrKeyAlg, alg)
	}
}

// Key identifies a shared secret used to authenticate transfers with one
// master server.
type Key struct {
	Name       string // key-name, canonical DNS wire name
	Algorithm  string // one of the Alg* constants
	Secret     []byte
	ServerAddr string
}

// Status is the outcome of the most recent verify (or the initial state).
type Status int

const (
	StatusOK Status = iota
	StatusNotPresent
	StatusError
)

// window is the internal four-state machine tracking where a record sits
// in the rolling-digest lifecycle of a multi-packet transfer.
type window int

const (
	windowFresh window = iota
	windowOpen
	windowVerified
	windowFailed
)

// Record is the mutable per-transfer TSIG state. One Record is created per
// AXFR transfer and threaded through every query/response exchange.
type Record struct {
	key       *Key
	algorithm string
	queryID   uint16

	Status    Status
	ErrorCode uint16

	ResponseCount           int
	UpdatesSinceLastPrepare int
	Position                int // offset of the TSIG RR in the current packet, 0 if absent

	h              hash.Hash
	prevMAC        []byte // signature carried over into the next digest window
	lastMAC        []byte // MAC produced by Sign, or received MAC set by FindRR
	lastSignParams signParams
	win            window
}

// NewRecord allocates an unbound Record; call InitRecord before use.
func NewRecord() *Record {
	return &Record{Status: StatusOK}
}

// InitRecord binds the algorithm and key for the lifetime of the transfer.
func (r *Record) InitRecord(algorithm string, key *Key) {
	r.algorithm = algorithm
	r.key = key
	r.win = windowFresh
}

// InitQuery resets per-query counters and seeds the query id that every
// response in this transfer must echo back as OriginalID.
func (r *Record) InitQuery(queryID uint16) {
	r.queryID = queryID
	r.Status = StatusOK
	r.ErrorCode = 0
	r.ResponseCount = 0
	r.UpdatesSinceLastPrepare = 0
	r.Position = 0
	r.prevMAC = nil
	r.lastMAC = nil
	r.win = windowFresh
}

// Prepare begins a new digest window. For the very first window of a
// transfer this covers the pending query bytes; for every window after a
// verified response it covers the previous signature (length-prefixed, per
// RFC 2845 §4.4) prepended to whatever is fed next.
func (r *Record) Prepare() error {
	h, err := newHash(r.algorithm, r.key.Secret)
	if err != nil {
		return err
	}
	r.h = h
	if len(r.prevMAC) > 0 {
		var macLen [2]byte
		macLen[0] = byte(len(r.prevMAC) >> 8)
		macLen[1] = byte(len(r.prevMAC))
		r.h.Write(macLen[:])
		r.h.Write(r.prevMAC)
	}
	r.UpdatesSinceLastPrepare = 0
	r.win = windowOpen
	return nil
}

// Update feeds buf into the currently open digest window.
func (r *Record) Update(buf []byte) error {
	if r.win != windowOpen {
		return errors.New("tsig: update called outside an open digest window")
	}
	r.h.Write(buf)
	return nil
}

// tsigVariables serializes the RFC 2845 §3.4.2 TSIG variables (name, class,
// ttl, algorithm, time-signed, fudge, error, other-len, other-data) that are
// appended to every digest window, query or response alike.
func tsigVariables(keyName, algorithm string, timeSigned uint64, fudge, tsigErr uint16, other []byte) ([]byte, error) {
	vbuf := packet.NewBytePacketBuffer()
	if err := vbuf.WriteName(keyName); err != nil {
		return nil, err
	}
	if err := vbuf.Writeu16(255); err != nil { // CLASS ANY
		return nil, err
	}
	if err := vbuf.Writeu32(0); err != nil { // TTL
		return nil, err
	}
	if err := vbuf.WriteName(algorithm); err != nil {
		return nil, err
	}
	if err := vbuf.Writeu16(uint16(timeSigned >> 32)); err != nil { // #nosec G115
		return nil, err
	}
	if err := vbuf.Writeu32(uint32(timeSigned & 0xFFFFFFFF)); err != nil { // #nosec G115
		return nil, err
	}
	if err := vbuf.Writeu16(fudge); err != nil {
		return nil, err
	}
	if err := vbuf.Writeu16(tsigErr); err != nil {
		return nil, err
	}
	if err := vbuf.Writeu16(uint16(len(other))); err != nil { // #nosec G115
		return nil, err
	}
	if err := vbuf.WriteRange(vbuf.Position(), other); err != nil {
		return nil, err
	}
	return vbuf.Buf[:vbuf.Position()], nil
}

// signParams carries the TSIG variables that must additionally be folded
// into the digest before it is finalized by Sign or Verify.
type signParams struct {
	timeSigned uint64
	fudge      uint16
	errCode    uint16
	other      []byte
}

func defaultSignParams() signParams {
	u := time.Now().Unix()
	if u < 0 {
		u = 0
	}
	return signParams{timeSigned: uint64(u), fudge: 300}
}

// Sign finalizes the current digest window as a query/outgoing signature,
// folding in the TSIG variables, and stores the MAC for AppendRR.
func (r *Record) Sign() error {
	return r.signWith(defaultSignParams())
}

func (r *Record) signWith(p signParams) error {
	if r.win != windowOpen {
		return errors.New("tsig: sign called outside an open digest window")
	}
	vars, err := tsigVariables(r.key.Name, r.algorithm, p.timeSigned, p.fudge, p.errCode, p.other)
	if err != nil {
		return err
	}
	r.h.Write(vars)
	r.lastMAC = r.h.Sum(nil)
	r.prevMAC = r.lastMAC
	r.lastSignParams = p
	r.win = windowVerified
	return nil
}

// AppendRR writes the signed TSIG record (name, class=ANY, type=TSIG,
// ttl=0, and the algorithm/time/fudge/mac/origid/error/other rdata fields)
// into buffer, carrying the MAC and TSIG variables of the most recent Sign
// and the query id seeded by InitQuery as OriginalID.
func (r *Record) AppendRR(buffer *packet.BytePacketBuffer) error {
	if len(r.lastMAC) == 0 {
		return errors.New("tsig: AppendRR called before Sign")
	}
	rr := packet.DNSRecord{
		Name:          r.key.Name,
		Type:          packet.TSIG,
		Class:         255,
		TTL:           0,
		AlgorithmName: r.algorithm,
		TimeSigned:    r.lastSignParams.timeSigned,
		Fudge:         r.lastSignParams.fudge,
		MAC:           r.lastMAC,
		OriginalID:    r.queryID,
		Error:         r.lastSignParams.errCode,
		Other:         r.lastSignParams.other,
	}
	r.Position = buffer.Position()
	_, err := rr.Write(buffer)
	return err
}

// FindRR scans the packet's additional section for a trailing TSIG record.
// If present it populates Position, ErrorCode and the received MAC; if
// absent it sets Status = StatusNotPresent and leaves Position at 0.
func (r *Record) FindRR(p *packet.DNSPacket) {
	if len(p.Resources) == 0 || p.Resources[len(p.Resources)-1].Type != packet.TSIG {
		r.Status = StatusNotPresent
		r.Position = 0
		return
	}
	rr := p.Resources[len(p.Resources)-1]
	r.Position = p.TSIGStart
	r.ErrorCode = rr.Error
	r.lastMAC = rr.MAC
	r.lastSignParams = signParams{timeSigned: rr.TimeSigned, fudge: rr.Fudge, errCode: rr.Error, other: rr.Other}
	if rr.Error != 0 {
		r.Status = StatusError
	} else {
		r.Status = StatusOK
	}
}

// Verify finalizes the current digest window and constant-time compares it
// against the MAC populated by FindRR, setting Status accordingly.
func (r *Record) Verify() error {
	if r.win != windowOpen {
		return errors.New("tsig: verify called outside an open digest window")
	}
	vars, err := tsigVariables(r.key.Name, r.algorithm, r.lastSignParams.timeSigned, r.lastSignParams.fudge, r.lastSignParams.errCode, r.lastSignParams.other)
	if err != nil {
		return err
	}
	r.h.Write(vars)
	computed := r.h.Sum(nil)
	received := r.lastMAC
	if !hmac.Equal(computed, received) {
		r.Status = StatusError
		r.win = windowFailed
		return errors.New("tsig: MAC mismatch")
	}
	r.prevMAC = received
	r.Status = StatusOK
	r.ResponseCount++
	r.win = windowVerified
	return nil
}

// ErrTooManyUntagged is returned when more than MaxUntaggedPackets
// consecutive response packets omit their TSIG record.
var ErrTooManyUntagged = fmt.Errorf("tsig: more than %d consecutive packets without a signature", MaxUntaggedPackets)

// ErrMissingFirst is returned when the first response packet of a transfer
// carries no TSIG record; RFC 2845 §4.4 requires it.
var ErrMissingFirst = errors.New("tsig: first response packet must carry a TSIG record")

// ErrRemoteError is returned when a TSIG RR is present but its error field
// is non-zero.
var ErrRemoteError = errors.New("tsig: remote reported a TSIG error")

// ProcessResponsePacket implements the multi-packet AXFR signing rule: it
// locates the packet's TSIG record (if any), feeds the rolling digest, and
// verifies whenever a signature is present. raw is the full wire bytes of
// the packet as received (used for the digest prefix up to the TSIG
// record's position, or the whole packet body when untagged). first
// indicates this is the first response packet of the transfer.
func (r *Record) ProcessResponsePacket(raw []byte, p *packet.DNSPacket, first bool) error {
	r.FindRR(p)

	// SignQuery (and a prior signed packet's Verify) leave the window
	// closed; reopen it here so Update below has somewhere to write. Once
	// open it stays open across a run of untagged packets, so this is a
	// no-op on every call but the first after a signature.
	if r.win != windowOpen {
		if err := r.Prepare(); err != nil {
			return err
		}
	}

	if r.Status == StatusNotPresent {
		if first {
			return ErrMissingFirst
		}
		if err := r.Update(raw); err != nil {
			return err
		}
		r.UpdatesSinceLastPrepare++
		if r.UpdatesSinceLastPrepare > MaxUntaggedPackets {
			return ErrTooManyUntagged
		}
		return nil
	}

	if r.Status == StatusError || r.ErrorCode != 0 {
		return fmt.Errorf("%w: code %d", ErrRemoteError, r.ErrorCode)
	}

	// The signer digested the message before its TSIG RR was counted, so
	// the prefix is fed with ARCOUNT reduced by one.
	signed := append([]byte(nil), raw[:r.Position]...)
	if len(signed) >= 12 {
		arcount := uint16(signed[10])<<8 | uint16(signed[11])
		if arcount > 0 {
			arcount--
		}
		signed[10], signed[11] = byte(arcount>>8), byte(arcount)
	}
	if err := r.Update(signed); err != nil {
		return err
	}
	if err := r.Verify(); err != nil {
		return err
	}
	return r.Prepare()
}

// SignQuery runs the query-side signing lifecycle: Prepare, Update with the
// packet bytes written so far, Sign, then AppendRR. The caller is
// responsible for bumping ARCOUNT after this returns.
func (r *Record) SignQuery(buffer *packet.BytePacketBuffer) error {
	if err := r.Prepare(); err != nil {
		return err
	}
	if err := r.Update(buffer.Buf[:buffer.Position()]); err != nil {
		return err
	}
	if err := r.Sign(); err != nil {
		return err
	}
	return r.AppendRR(buffer)
}
