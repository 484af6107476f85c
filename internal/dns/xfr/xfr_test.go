package xfr

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/poyrazK/cloudDNS/internal/dns/packet"
	"github.com/poyrazK/cloudDNS/internal/dns/tsig"
	"github.com/stretchr/testify/require"
)

// fakeMaster starts a one-shot TCP listener that accepts a single
// connection, reads the framed query, and hands it (plus the raw bytes) to
// respond, which returns the framed response messages to write back in
// order. Standing up a real listener on 127.0.0.1 exercises the actual
// framing and deadline code instead of mocking net.Conn.
func fakeMaster(t *testing.T, respond func(query *packet.DNSPacket) [][]byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var lenPrefix [2]byte
		if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
			return
		}
		qlen := binary.BigEndian.Uint16(lenPrefix[:])
		qbuf := make([]byte, qlen)
		if _, err := io.ReadFull(conn, qbuf); err != nil {
			return
		}
		q := packet.NewDNSPacket()
		pb := packet.NewBytePacketBuffer()
		pb.Load(qbuf)
		if err := q.FromBuffer(pb); err != nil {
			return
		}

		for _, frame := range respond(q) {
			var out [2]byte
			binary.BigEndian.PutUint16(out[:], uint16(len(frame)))
			if _, err := conn.Write(out[:]); err != nil {
				return
			}
			if _, err := conn.Write(frame); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func soaRecord(zone string, serial uint32) packet.DNSRecord {
	return packet.DNSRecord{
		Name: zone, Type: packet.SOA, Class: 1, TTL: 3600,
		MName: "ns1." + zone, RName: "admin." + zone,
		Serial: serial, Refresh: 3600, Retry: 600, Expire: 1209600, Minimum: 300,
	}
}

func aRecord(zone string, ip string) packet.DNSRecord {
	rec := packet.DNSRecord{Name: "www." + zone, Type: packet.A, Class: 1, TTL: 300}
	rec.IP = net.ParseIP(ip).To4()
	return rec
}

func nsRecord(zone string) packet.DNSRecord {
	return packet.DNSRecord{Name: zone, Type: packet.NS, Class: 1, TTL: 3600, Host: "ns1." + zone}
}

func packResponse(t *testing.T, id uint16, answers []packet.DNSRecord, questions []packet.DNSQuestion) []byte {
	t.Helper()
	p := packet.NewDNSPacket()
	p.Header.ID = id
	p.Header.Response = true
	p.Header.AuthoritativeAnswer = true
	p.Questions = questions
	p.Answers = answers
	buf := packet.NewBytePacketBuffer()
	require.NoError(t, p.Write(buf))
	return append([]byte(nil), buf.Buf[:buf.Position()]...)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Scenario 1: SOA serial 5; client last_serial=5, not first -> UP_TO_DATE.
func TestCheckSerialUpToDate(t *testing.T) {
	const zone = "example.com."
	addr := fakeMaster(t, func(q *packet.DNSPacket) [][]byte {
		return [][]byte{packResponse(t, q.Header.ID, []packet.DNSRecord{soaRecord(zone, 5)}, q.Questions)}
	})
	state := &State{Zone: zone, Conn: dial(t, addr), LastSerial: 5, FirstXfer: false, Timeout: 2 * time.Second}
	status, serial, err := CheckSerial(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, SerialUpToDate, status)
	require.Equal(t, uint32(5), serial)
}

// Scenario 2: SOA serial 7; client last_serial=5. Stream: SOA(7) A NS SOA(7)
// in one packet -> SUCCESS, 3 RRs emitted, trailing SOA consumed.
func TestAxfrSuccessSinglePacket(t *testing.T) {
	const zone = "example.com."
	addr := fakeMaster(t, func(q *packet.DNSPacket) [][]byte {
		answers := []packet.DNSRecord{soaRecord(zone, 7), aRecord(zone, "192.0.2.1"), nsRecord(zone), soaRecord(zone, 7)}
		return [][]byte{packResponse(t, q.Header.ID, answers, q.Questions)}
	})
	state := &State{Zone: zone, Conn: dial(t, addr), LastSerial: 5, FirstXfer: false, Timeout: 2 * time.Second}

	status, serial, err := CheckSerial(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, SerialNewer, status)
	require.Equal(t, uint32(7), serial)

	// Open a fresh connection for the AXFR itself, as a real driver would.
	addr2 := fakeMaster(t, func(q *packet.DNSPacket) [][]byte {
		answers := []packet.DNSRecord{soaRecord(zone, 7), aRecord(zone, "192.0.2.1"), nsRecord(zone), soaRecord(zone, 7)}
		return [][]byte{packResponse(t, q.Header.ID, answers, q.Questions)}
	})
	state2 := &State{Zone: zone, Conn: dial(t, addr2), LastSerial: 5, Timeout: 2 * time.Second}

	var received []packet.DNSRecord
	err = Axfr(context.Background(), state2, func(rr packet.DNSRecord) error {
		received = append(received, rr)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, received, 3)
	require.Equal(t, packet.SOA, received[0].Type)
	require.Equal(t, packet.A, received[1].Type)
	require.Equal(t, packet.NS, received[2].Type)
}

// Scenario 3: first transfer; stream: A SOA NS SOA -> FAIL, first RR not SOA.
func TestAxfrFirstRecordNotSOA(t *testing.T) {
	const zone = "example.com."
	addr := fakeMaster(t, func(q *packet.DNSPacket) [][]byte {
		answers := []packet.DNSRecord{aRecord(zone, "192.0.2.1"), soaRecord(zone, 1), nsRecord(zone), soaRecord(zone, 1)}
		return [][]byte{packResponse(t, q.Header.ID, answers, q.Questions)}
	})
	state := &State{Zone: zone, Conn: dial(t, addr), FirstXfer: true, Timeout: 2 * time.Second}
	err := Axfr(context.Background(), state, func(packet.DNSRecord) error { return nil })
	require.Error(t, err)
	require.Equal(t, KindProtocol, KindOf(err))
}

// Scenario 4: valid stream, master closes the socket mid-RR -> FAIL network-fatal.
func TestAxfrConnectionClosedMidStream(t *testing.T) {
	const zone = "example.com."
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Read the query, then close without responding at all.
		var lenPrefix [2]byte
		_, _ = io.ReadFull(conn, lenPrefix[:])
		qlen := binary.BigEndian.Uint16(lenPrefix[:])
		qbuf := make([]byte, qlen)
		_, _ = io.ReadFull(conn, qbuf)
		_ = conn.Close()
	}()

	state := &State{Zone: zone, Conn: dial(t, ln.Addr().String()), Timeout: 2 * time.Second}
	err = Axfr(context.Background(), state, func(packet.DNSRecord) error { return nil })
	require.Error(t, err)
	require.Equal(t, KindNetworkFatal, KindOf(err))
}

// Scenario 5: TSIG-required, response lacks TSIG on first packet -> FAIL authentication.
func TestAxfrMissingTSIGOnFirstPacket(t *testing.T) {
	const zone = "example.com."
	addr := fakeMaster(t, func(q *packet.DNSPacket) [][]byte {
		answers := []packet.DNSRecord{soaRecord(zone, 1), soaRecord(zone, 1)}
		return [][]byte{packResponse(t, q.Header.ID, answers, q.Questions)}
	})
	key := &tsig.Key{Name: "axfr-key.", Algorithm: tsig.AlgHMACMD5, Secret: []byte("secret")}
	rec := tsig.NewRecord()
	rec.InitRecord(key.Algorithm, key)
	state := &State{Zone: zone, Conn: dial(t, addr), Tsig: rec, Timeout: 2 * time.Second}
	err := Axfr(context.Background(), state, func(packet.DNSRecord) error { return nil })
	require.Error(t, err)
	require.Equal(t, KindAuth, KindOf(err))
}

// Scenario 6: stream across 3 packets; TSIG on packet 1 and 3 only -> SUCCESS.
func TestAxfrMultiPacketTSIGVerifies(t *testing.T) {
	const zone = "example.com."
	key := &tsig.Key{Name: "axfr-key.", Algorithm: tsig.AlgHMACSHA256, Secret: []byte("sharedsecret")}

	addr := fakeMaster(t, func(q *packet.DNSPacket) [][]byte {
		signer := tsig.NewRecord()
		signer.InitRecord(key.Algorithm, key)
		signer.InitQuery(q.Header.ID)

		pkt1 := []packet.DNSRecord{soaRecord(zone, 9)}
		frame1 := signResponseFrame(signer, q.Header.ID, pkt1, q.Questions, q.Resources[len(q.Resources)-1].MAC)

		pkt2 := []packet.DNSRecord{aRecord(zone, "192.0.2.2")}
		frame2 := packResponse(t, q.Header.ID, pkt2, nil)

		pkt3 := []packet.DNSRecord{nsRecord(zone), soaRecord(zone, 9)}
		frame3 := signResponseFrameContinuing(signer, q.Header.ID, pkt3, nil, frame2)

		return [][]byte{frame1, frame2, frame3}
	})

	rec := tsig.NewRecord()
	rec.InitRecord(key.Algorithm, key)
	state := &State{Zone: zone, Conn: dial(t, addr), Tsig: rec, Timeout: 2 * time.Second}

	var received []packet.DNSRecord
	err := Axfr(context.Background(), state, func(rr packet.DNSRecord) error {
		received = append(received, rr)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, received, 3) // SOA, A, NS
}

// signResponseFrame builds and signs the first response packet of a
// transfer, mirroring the server side of the protocol: the server's first
// window covers the request's MAC (length-prefixed) followed by its own
// response up to the TSIG record.
func signResponseFrame(signer *tsig.Record, id uint16, answers []packet.DNSRecord, questions []packet.DNSQuestion, requestMAC []byte) []byte {
	p := packet.NewDNSPacket()
	p.Header.ID = id
	p.Header.Response = true
	p.Header.AuthoritativeAnswer = true
	p.Header.Questions = uint16(len(questions))
	p.Header.Answers = uint16(len(answers))
	p.Questions = questions
	p.Answers = answers

	buf := packet.NewBytePacketBuffer()
	_ = p.Header.Write(buf)
	for _, q := range questions {
		_ = q.Write(buf)
	}
	for _, a := range answers {
		_, _ = a.Write(buf)
	}

	_ = signer.Prepare()
	_ = signer.Update([]byte{byte(len(requestMAC) >> 8), byte(len(requestMAC))})
	_ = signer.Update(requestMAC)
	_ = signer.Update(buf.Buf[:buf.Position()])
	_ = signer.Sign()
	_ = signer.AppendRR(buf)

	out := append([]byte(nil), buf.Buf[:buf.Position()]...)
	arcount := 1
	out[10] = byte(arcount >> 8)
	out[11] = byte(arcount & 0xFF)
	return out
}

// signResponseFrameContinuing signs the closing packet of a multi-packet
// TSIG window, whose digest additionally covers every untagged packet
// since the last signature (prior1, prior2, ...).
func signResponseFrameContinuing(signer *tsig.Record, id uint16, answers []packet.DNSRecord, questions []packet.DNSQuestion, priorFrames ...[]byte) []byte {
	p := packet.NewDNSPacket()
	p.Header.ID = id
	p.Header.Response = true
	p.Header.AuthoritativeAnswer = true
	p.Header.Questions = uint16(len(questions))
	p.Header.Answers = uint16(len(answers))
	p.Questions = questions
	p.Answers = answers

	buf := packet.NewBytePacketBuffer()
	_ = p.Header.Write(buf)
	for _, q := range questions {
		_ = q.Write(buf)
	}
	for _, a := range answers {
		_, _ = a.Write(buf)
	}

	_ = signer.Prepare()
	for _, pf := range priorFrames {
		_ = signer.Update(pf)
	}
	_ = signer.Update(buf.Buf[:buf.Position()])
	_ = signer.Sign()
	_ = signer.AppendRR(buf)

	out := append([]byte(nil), buf.Buf[:buf.Position()]...)
	arcount := 1
	out[10] = byte(arcount >> 8)
	out[11] = byte(arcount & 0xFF)
	return out
}
