package tsig

import (
	"testing"

	"github.com/poyrazK/cloudDNS/internal/dns/packet"
	"github.com/stretchr/testify/require"
)

func signedQuery(t *testing.T, key *Key, id uint16) (*Record, []byte) {
	t.Helper()
	rec := NewRecord()
	rec.InitRecord(key.Algorithm, key)
	rec.InitQuery(id)

	q := packet.NewDNSPacket()
	q.Header.ID = id
	q.Header.AuthoritativeAnswer = true
	q.Header.Questions = 1
	q.Questions = append(q.Questions, *packet.NewDNSQuestion("example.com.", packet.SOA))

	buf := packet.NewBytePacketBuffer()
	require.NoError(t, q.Header.Write(buf))
	for _, qq := range q.Questions {
		require.NoError(t, qq.Write(buf))
	}
	require.NoError(t, rec.SignQuery(buf))
	buf.Buf[11] = 1 // ARCOUNT now counts the appended TSIG RR
	return rec, append([]byte(nil), buf.Buf[:buf.Position()]...)
}

func TestSignThenVerifyRoundTrip(t *testing.T) {
	key := &Key{Name: "axfr-key.", Algorithm: AlgHMACMD5, Secret: []byte("sharedsecret")}
	_, wire := signedQuery(t, key, 42)
	require.NotEmpty(t, wire)

	// Parse the signed query back, as the receiving side of a transfer would.
	parsed := packet.NewDNSPacket()
	pbuf := packet.NewBytePacketBuffer()
	pbuf.Load(wire)
	require.NoError(t, parsed.FromBuffer(pbuf))
	require.Len(t, parsed.Resources, 1)
	require.Equal(t, packet.TSIG, parsed.Resources[0].Type)

	verify := NewRecord()
	verify.InitRecord(key.Algorithm, key)
	verify.InitQuery(42)
	verify.FindRR(parsed)
	require.Equal(t, StatusOK, verify.Status)
	require.NoError(t, verify.Prepare())
	// The MAC covers the query as signed, before ARCOUNT counted the TSIG RR.
	signed := append([]byte(nil), wire[:verify.Position]...)
	signed[11]--
	require.NoError(t, verify.Update(signed))
	require.NoError(t, verify.Verify())
	require.Equal(t, StatusOK, verify.Status)
}

func TestVerifySameBytesSucceeds(t *testing.T) {
	key := &Key{Name: "axfr-key.", Algorithm: AlgHMACSHA256, Secret: []byte("anothersecret")}
	rec := NewRecord()
	rec.InitRecord(key.Algorithm, key)
	rec.InitQuery(7)

	require.NoError(t, rec.Prepare())
	payload := []byte("the quick brown fox")
	require.NoError(t, rec.Update(payload))
	require.NoError(t, rec.Sign())

	verify := NewRecord()
	verify.InitRecord(key.Algorithm, key)
	verify.InitQuery(7)
	require.NoError(t, verify.Prepare())
	require.NoError(t, verify.Update(payload))
	verify.lastSignParams = rec.lastSignParams
	verify.lastMAC = rec.lastMAC
	require.NoError(t, verify.Verify())
	require.Equal(t, StatusOK, verify.Status)
}

func TestVerifyTamperedByteFails(t *testing.T) {
	key := &Key{Name: "axfr-key.", Algorithm: AlgHMACSHA1, Secret: []byte("s3cr3t")}
	rec := NewRecord()
	rec.InitRecord(key.Algorithm, key)
	rec.InitQuery(1)
	require.NoError(t, rec.Prepare())
	payload := []byte("payload-bytes")
	require.NoError(t, rec.Update(payload))
	require.NoError(t, rec.Sign())

	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0xFF

	verify := NewRecord()
	verify.InitRecord(key.Algorithm, key)
	verify.InitQuery(1)
	require.NoError(t, verify.Prepare())
	require.NoError(t, verify.Update(tampered))
	verify.lastSignParams = rec.lastSignParams
	verify.lastMAC = rec.lastMAC
	require.Error(t, verify.Verify())
	require.Equal(t, StatusError, verify.Status)
}

// buildUntaggedPacket returns raw bytes for a minimal DNS response header
// with no TSIG in the additional section.
func buildUntaggedPacket(t *testing.T, id uint16) ([]byte, *packet.DNSPacket) {
	t.Helper()
	p := packet.NewDNSPacket()
	p.Header.ID = id
	p.Header.Response = true
	buf := packet.NewBytePacketBuffer()
	require.NoError(t, p.Write(buf))
	raw := append([]byte(nil), buf.Buf[:buf.Position()]...)

	parsed := packet.NewDNSPacket()
	pbuf := packet.NewBytePacketBuffer()
	pbuf.Load(raw)
	require.NoError(t, parsed.FromBuffer(pbuf))
	return raw, parsed
}

func TestMultiPacketUntaggedWindowBounds(t *testing.T) {
	key := &Key{Name: "axfr-key.", Algorithm: AlgHMACMD5, Secret: []byte("windowkey")}
	rec := NewRecord()
	rec.InitRecord(key.Algorithm, key)
	rec.InitQuery(99)
	require.NoError(t, rec.Prepare())

	// 100 consecutive untagged packets is allowed.
	for i := 0; i < MaxUntaggedPackets; i++ {
		raw, parsed := buildUntaggedPacket(t, 99)
		require.NoError(t, rec.ProcessResponsePacket(raw, parsed, false))
	}
	require.Equal(t, MaxUntaggedPackets, rec.UpdatesSinceLastPrepare)

	// The 101st consecutive untagged packet must fail.
	raw, parsed := buildUntaggedPacket(t, 99)
	err := rec.ProcessResponsePacket(raw, parsed, false)
	require.ErrorIs(t, err, ErrTooManyUntagged)
}

func TestFirstResponseWithoutTSIGFails(t *testing.T) {
	key := &Key{Name: "axfr-key.", Algorithm: AlgHMACMD5, Secret: []byte("first")}
	rec := NewRecord()
	rec.InitRecord(key.Algorithm, key)
	rec.InitQuery(5)
	require.NoError(t, rec.Prepare())

	raw, parsed := buildUntaggedPacket(t, 5)
	err := rec.ProcessResponsePacket(raw, parsed, true)
	require.ErrorIs(t, err, ErrMissingFirst)
}
