// Package xfr implements the AXFR client state machine: TCP framing, the
// SOA-bracketed response stream, and per-packet response validation. It is
// the primary ingestion path for zone data, handing each parsed resource
// record to a caller-supplied sink.
package xfr

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/poyrazK/cloudDNS/internal/dns/packet"
	"github.com/poyrazK/cloudDNS/internal/dns/tsig"
)

// ErrorKind classifies a transfer failure so callers can branch on kind
// instead of matching strings.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNetworkFatal
	KindProtocol
	KindAuth
	KindResource
)

// Error wraps an underlying error with its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the taxonomy kind of err, or KindNone if err is nil or not
// a *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Outcome is the exit code of a transfer attempt.
type Outcome int

const (
	OutcomeUpToDate Outcome = iota
	OutcomeSuccess
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpToDate:
		return "UP_TO_DATE"
	case OutcomeSuccess:
		return "SUCCESS"
	default:
		return "FAIL"
	}
}

// QHEADERSZ is the minimum declared message length: a bare DNS header.
const QHEADERSZ = 12

// RecordSink receives each resource record emitted by an AXFR stream, in
// the order they arrived on the wire, excluding the terminating SOA.
type RecordSink func(rr packet.DNSRecord) error

// State drives one zone transfer against one master server connection.
type State struct {
	Zone       string
	Master     string // host:port
	Conn       net.Conn
	Tsig       *tsig.Record // nil when the zone has no TSIG key configured
	LastSerial uint32
	FirstXfer  bool

	// Timeout bounds every blocking read/write via net.Conn deadlines,
	// standing in for a signal-driven watchdog on a runtime with
	// first-class cancellation.
	Timeout time.Duration
}

func (s *State) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 30 * time.Second
	}
	return s.Timeout
}

func randomID() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// writeFramed writes a DNS message preceded by its 16-bit length prefix,
// retrying on short writes (the Go stdlib already retries EINTR/EAGAIN
// internally, but a short net.Conn.Write is otherwise legal and must be
// looped until the entire buffer is sent).
func writeFramed(ctx context.Context, conn net.Conn, timeout time.Duration, msg []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(msg))) // #nosec G115 -- DNS messages are bounded to 65535 bytes
	full := append(lenPrefix[:], msg...)
	for written := 0; written < len(full); {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := conn.Write(full[written:])
		if err != nil {
			return wrapErr(KindNetworkFatal, "axfr: write: %w", err)
		}
		written += n
	}
	return nil
}

// readFramed reads one length-prefixed DNS message, refilling from the
// socket until the declared length is fully consumed. EOF mid-message is a
// fatal "connection closed by peer".
func readFramed(ctx context.Context, conn net.Conn, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	var lenPrefix [2]byte
	if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
		return nil, classifyReadErr(err)
	}
	declared := binary.BigEndian.Uint16(lenPrefix[:])
	if declared < QHEADERSZ {
		return nil, wrapErr(KindProtocol, "axfr: declared length %d below header size", declared)
	}
	buf := make([]byte, declared)
	for read := 0; read < int(declared); {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := conn.Read(buf[read:])
		if err != nil {
			return nil, classifyReadErr(err)
		}
		read += n
	}
	return buf, nil
}

func classifyReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return wrapErr(KindNetworkFatal, "axfr: connection closed by peer: %w", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return wrapErr(KindNetworkFatal, "axfr: timeout: %w", err)
	}
	return wrapErr(KindNetworkFatal, "axfr: read: %w", err)
}

// buildQuery constructs the AA=1 question packet: a random query id, one
// question, and (when s.Tsig is configured) a signed trailing TSIG record
// with ARCOUNT=1.
func buildQuery(s *State, qtype packet.QueryType) (*packet.DNSPacket, []byte, error) {
	id, err := randomID()
	if err != nil {
		return nil, nil, err
	}
	q := packet.NewDNSPacket()
	q.Header.ID = id
	q.Header.AuthoritativeAnswer = true
	q.Header.Questions = 1
	q.Questions = append(q.Questions, *packet.NewDNSQuestion(s.Zone, qtype))

	buf := packet.NewBytePacketBuffer()
	if err := q.Header.Write(buf); err != nil {
		return nil, nil, err
	}
	if err := q.Questions[0].Write(buf); err != nil {
		return nil, nil, err
	}

	if s.Tsig != nil {
		s.Tsig.InitQuery(id)
		if err := s.Tsig.SignQuery(buf); err != nil {
			return nil, nil, err
		}
		q.Header.ResourceEntries = 1
		buf.Buf[10] = byte(q.Header.ResourceEntries >> 8)
		buf.Buf[11] = byte(q.Header.ResourceEntries & 0xFF)
	}

	return q, append([]byte(nil), buf.Buf[:buf.Position()]...), nil
}

// validateHeader runs the per-packet checks common to SOA probe and AXFR
// responses: QR set, not truncated, matching ID, NOERROR rcode.
func validateHeader(p *packet.DNSPacket, wantID uint16) error {
	if !p.Header.Response {
		return wrapErr(KindProtocol, "axfr: QR bit not set in response")
	}
	if p.Header.TruncatedMessage {
		return wrapErr(KindProtocol, "axfr: response truncated")
	}
	if p.Header.ID != wantID {
		return wrapErr(KindProtocol, "axfr: id mismatch: want %d got %d", wantID, p.Header.ID)
	}
	if p.Header.ResCode != packet.RcodeNoError {
		return wrapErr(KindProtocol, "axfr: rcode %d", p.Header.ResCode)
	}
	return nil
}

func validateQuestion(p *packet.DNSPacket, wantName string, wantType packet.QueryType) error {
	for _, q := range p.Questions {
		if !strEqualFold(q.Name, wantName) || q.QType != wantType {
			return wrapErr(KindProtocol, "axfr: question mismatch: got %s/%s", q.Name, q.QType)
		}
	}
	return nil
}

func strEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 32
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 32
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// SerialStatus is the result of CheckSerial: UP_TO_DATE, NEWER, or ERROR.
type SerialStatus int

const (
	SerialUpToDate SerialStatus = iota
	SerialNewer
	SerialError
)

// CheckSerial issues a SOA query and compares the remote serial against
// s.LastSerial (or unconditionally reports SerialNewer when s.FirstXfer).
// ctx governs the single round trip; a context deadline aborts the read
// exactly as a connection timeout would.
func CheckSerial(ctx context.Context, s *State) (SerialStatus, uint32, error) {
	q, wire, err := buildQuery(s, packet.SOA)
	if err != nil {
		return SerialError, 0, err
	}
	if err := writeFramed(ctx, s.Conn, s.timeout(), wire); err != nil {
		return SerialError, 0, err
	}

	raw, err := readFramed(ctx, s.Conn, s.timeout())
	if err != nil {
		return SerialError, 0, err
	}
	resp := packet.NewDNSPacket()
	rbuf := packet.NewBytePacketBuffer()
	rbuf.Load(raw)
	if err := resp.FromBuffer(rbuf); err != nil {
		return SerialError, 0, wrapErr(KindProtocol, "axfr: parse SOA response: %w", err)
	}

	if err := validateHeader(resp, q.Header.ID); err != nil {
		return SerialError, 0, err
	}
	if resp.Header.Questions != 1 {
		return SerialError, 0, wrapErr(KindProtocol, "axfr: SOA probe QDCOUNT=%d want 1", resp.Header.Questions)
	}
	if resp.Header.Answers < 1 {
		return SerialError, 0, wrapErr(KindProtocol, "axfr: SOA probe ANCOUNT=%d want >=1", resp.Header.Answers)
	}
	if err := validateQuestion(resp, s.Zone, packet.SOA); err != nil {
		return SerialError, 0, err
	}
	if s.Tsig != nil {
		if err := s.Tsig.ProcessResponsePacket(raw, resp, true); err != nil {
			return SerialError, 0, authErr(err)
		}
	}

	var soa *packet.DNSRecord
	for i := range resp.Answers {
		if resp.Answers[i].Type == packet.SOA && strEqualFold(resp.Answers[i].Name, s.Zone) {
			soa = &resp.Answers[i]
			break
		}
	}
	if soa == nil {
		return SerialError, 0, wrapErr(KindProtocol, "axfr: no matching SOA in answer section")
	}

	if s.FirstXfer {
		return SerialNewer, soa.Serial, nil
	}
	if soa.Serial == s.LastSerial {
		return SerialUpToDate, soa.Serial, nil
	}
	return SerialNewer, soa.Serial, nil
}

func authErr(err error) error {
	if KindOf(err) != KindNone {
		return err
	}
	return &Error{Kind: KindAuth, Err: err}
}

// Axfr issues an AXFR query and drives the response loop until the
// terminating SOA is observed, delivering each record (including the
// opening SOA, excluding the terminating one) to sink in wire order.
func Axfr(ctx context.Context, s *State, sink RecordSink) error {
	q, wire, err := buildQuery(s, packet.AXFR)
	if err != nil {
		return err
	}
	if err := writeFramed(ctx, s.Conn, s.timeout(), wire); err != nil {
		return err
	}

	var openingSOA *packet.DNSRecord
	first := true
	packetIndex := 0

	for {
		raw, err := readFramed(ctx, s.Conn, s.timeout())
		if err != nil {
			return err
		}
		resp := packet.NewDNSPacket()
		rbuf := packet.NewBytePacketBuffer()
		rbuf.Load(raw)
		if err := resp.FromBuffer(rbuf); err != nil {
			return wrapErr(KindProtocol, "axfr: parse response packet %d: %w", packetIndex, err)
		}

		if err := validateHeader(resp, q.Header.ID); err != nil {
			return err
		}
		if resp.Header.Questions > 1 {
			return wrapErr(KindProtocol, "axfr: response QDCOUNT=%d want <=1", resp.Header.Questions)
		}
		if resp.Header.Answers < 1 {
			return wrapErr(KindProtocol, "axfr: response ANCOUNT=%d want >=1", resp.Header.Answers)
		}
		if err := validateQuestion(resp, s.Zone, packet.AXFR); err != nil {
			return err
		}

		if s.Tsig != nil {
			if err := s.Tsig.ProcessResponsePacket(raw, resp, first); err != nil {
				return authErr(err)
			}
		}

		for i := range resp.Answers {
			rr := resp.Answers[i]

			if first && i == 0 {
				if rr.Type != packet.SOA || !strEqualFold(rr.Name, s.Zone) {
					return wrapErr(KindProtocol, "axfr: stream does not begin with zone SOA")
				}
				openingSOA = &rr
				if err := sink(rr); err != nil {
					return err
				}
				continue
			}

			if rr.Type == packet.SOA && strEqualFold(rr.Name, s.Zone) {
				// Terminating SOA: not emitted; anything after it (same or
				// later packets) is discarded.
				return nil
			}

			if err := sink(rr); err != nil {
				return err
			}
		}

		first = false
		packetIndex++

		if openingSOA == nil {
			return wrapErr(KindProtocol, "axfr: stream ended before opening SOA was seen")
		}
	}
}
