package transfer

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/poyrazK/cloudDNS/internal/dns/packet"
)

// ZoneFileMeta holds the values written into the comment header: tool
// version, zone, previous serial, source server, timestamp, and TSIG
// verification status.
type ZoneFileMeta struct {
	ToolVersion   string
	Zone          string
	PreviousSerial uint32
	FirstTransfer bool
	Source        string
	Timestamp     time.Time
	TSIGVerified  bool
	TSIGConfigured bool
}

// WriteZone writes records in master-file text grouped under $ORIGIN
// directives whenever the owner's zone suffix changes, preceded by a
// comment header describing the transfer that produced them. It is the
// reverse of a master-file parser: instead of turning zone-file text into
// records, it turns records back into zone-file text.
func WriteZone(w io.Writer, meta ZoneFileMeta, records []packet.DNSRecord) error {
	if err := writeHeader(w, meta); err != nil {
		return err
	}

	currentOrigin := ""
	for _, rr := range records {
		origin := ownerZone(rr.Name, meta.Zone)
		if origin != currentOrigin {
			if _, err := fmt.Fprintf(w, "$ORIGIN %s\n", origin); err != nil {
				return fmt.Errorf("transfer: write $ORIGIN: %w", err)
			}
			currentOrigin = origin
		}
		line, err := formatRR(rr)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("transfer: write record: %w", err)
		}
	}
	return nil
}

func writeHeader(w io.Writer, meta ZoneFileMeta) error {
	prevSerial := "first transfer"
	if !meta.FirstTransfer {
		prevSerial = fmt.Sprintf("%d", meta.PreviousSerial)
	}
	tsigStatus := "not configured"
	if meta.TSIGConfigured {
		if meta.TSIGVerified {
			tsigStatus = "verified"
		} else {
			tsigStatus = "unverified"
		}
	}
	_, err := fmt.Fprintf(w,
		"; zonexfer %s\n; zone: %s\n; previous serial: %s\n; source: %s\n; transferred: %s\n; tsig: %s\n",
		meta.ToolVersion, meta.Zone, prevSerial, meta.Source,
		meta.Timestamp.UTC().Format(time.RFC3339), tsigStatus)
	if err != nil {
		return fmt.Errorf("transfer: write zone-file header: %w", err)
	}
	return nil
}

// ownerZone returns the zone this owner name is grouped under: the zone
// name itself for names inside it, or the owner name unchanged for any
// out-of-bailiwick glue (e.g. NS/A records for delegated name servers).
func ownerZone(owner, zone string) string {
	lower := strings.ToLower(owner)
	z := strings.ToLower(zone)
	if lower == z || strings.HasSuffix(lower, "."+z) {
		return zone
	}
	return owner
}

// formatRR renders one record as "owner ttl class type rdata".
func formatRR(rr packet.DNSRecord) (string, error) {
	rdata, err := formatRdata(rr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\t%d\tIN\t%s\t%s", rr.Name, rr.TTL, rr.Type, rdata), nil
}

func formatRdata(rr packet.DNSRecord) (string, error) {
	switch rr.Type {
	case packet.A, packet.AAAA:
		if rr.IP == nil {
			return "", fmt.Errorf("transfer: %s record for %q has no address", rr.Type, rr.Name)
		}
		return rr.IP.String(), nil
	case packet.NS, packet.CNAME, packet.PTR, packet.MD, packet.MF, packet.MB, packet.MG, packet.MR:
		return rr.Host, nil
	case packet.MX:
		return fmt.Sprintf("%d %s", rr.Priority, rr.Host), nil
	case packet.TXT:
		return fmt.Sprintf("%q", rr.Txt), nil
	case packet.SOA:
		return fmt.Sprintf("%s %s %d %d %d %d %d",
			rr.MName, rr.RName, rr.Serial, rr.Refresh, rr.Retry, rr.Expire, rr.Minimum), nil
	default:
		// RFC 3597 generic-RR syntax: any type we don't render structurally
		// (SRV, DNSSEC RRs, OPT, future types) still round-trips as raw rdata.
		data := rr.Data
		if len(data) == 0 {
			// Types the codec parses into fields keep no raw rdata; re-encode
			// the record under the root owner and take the bytes after the
			// 11-byte owner/type/class/ttl/rdlength prefix.
			bare := rr
			bare.Name = "."
			buf := packet.NewBytePacketBuffer()
			if _, err := bare.Write(buf); err != nil {
				return "", fmt.Errorf("transfer: encode %s rdata for %q: %w", rr.Type, rr.Name, err)
			}
			data = buf.Buf[11:buf.Position()]
		}
		return fmt.Sprintf("\\# %d %s", len(data), hex.EncodeToString(data)), nil
	}
}
