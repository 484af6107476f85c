package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/cloudDNS/internal/core/domain"
	"github.com/poyrazK/cloudDNS/internal/dns/packet"
	"github.com/poyrazK/cloudDNS/internal/dns/server"
	"github.com/poyrazK/cloudDNS/internal/dns/tsig"
	"github.com/poyrazK/cloudDNS/internal/dns/xfr"
	"github.com/poyrazK/cloudDNS/internal/infrastructure/metrics"
	"github.com/poyrazK/cloudDNS/internal/radix"
)

// ToolVersion is stamped into every zone-file header this driver writes.
const ToolVersion = "zonexfer/1.0"

// MasterConfig names one candidate master for a zone. A zone may list
// several; RunZone walks them in order, moving on after any failure except
// KindAuth and KindResource.
type MasterConfig struct {
	Addr string // host:port
	Key  *tsig.Key
}

// Driver orchestrates the AXFR client, the TSIG engine, and the radix
// trie into one end-to-end transfer per zone, plus the ambient
// bookkeeping around it: serial persistence, cache invalidation fan-out,
// zone-file emission, metrics.
type Driver struct {
	Serials  *SerialStore  // nil disables persistence (every run is first_transfer)
	Redis    *server.RedisCache // nil disables invalidation fan-out
	TreeDir  string        // directory holding one radix arena file per zone
	Timeout  time.Duration // per-connection I/O timeout; see xfr.State.Timeout
	Log      *slog.Logger
}

func (d *Driver) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// RunZone performs one transfer attempt for zone, trying each configured
// master in order until one succeeds or none remain. It returns the
// outcome of the last attempt and any error from that attempt.
func (d *Driver) RunZone(ctx context.Context, zone string, masters []MasterConfig) (xfr.Outcome, error) {
	if len(masters) == 0 {
		return xfr.OutcomeFail, fmt.Errorf("transfer: zone %q has no configured masters", zone)
	}

	attemptID := uuid.NewString()
	log := d.logger().With("zone", zone, "attempt_id", attemptID)
	start := time.Now()

	var lastOutcome xfr.Outcome
	var lastErr error

	for i, m := range masters {
		outcome, err := d.runAgainstMaster(ctx, zone, m, log)
		lastOutcome, lastErr = outcome, err
		if err == nil {
			break
		}
		kind := xfr.KindOf(err)
		metrics.TransferErrorsByKind.WithLabelValues(zone, kindLabel(kind)).Inc()
		log.Error("transfer attempt failed", "master", m.Addr, "kind", kindLabel(kind), "error", err)
		if kind == xfr.KindAuth || kind == xfr.KindResource {
			break // auth failures and resource exhaustion do not retry against another master
		}
		if i == len(masters)-1 {
			break
		}
	}

	metrics.TransferDuration.WithLabelValues(zone).Observe(time.Since(start).Seconds())
	metrics.TransfersTotal.WithLabelValues(zone, lastOutcome.String()).Inc()
	return lastOutcome, lastErr
}

func (d *Driver) runAgainstMaster(ctx context.Context, zone string, m MasterConfig, log *slog.Logger) (xfr.Outcome, error) {
	conn, err := (&net.Dialer{Timeout: d.ioTimeout()}).DialContext(ctx, "tcp", m.Addr)
	if err != nil {
		return xfr.OutcomeFail, fmt.Errorf("transfer: dial %s: %w", m.Addr, err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var rec *tsig.Record
	if m.Key != nil {
		rec = tsig.NewRecord()
		rec.InitRecord(m.Key.Algorithm, m.Key)
	}

	lastSerial, firstXfer := uint32(0), true
	if d.Serials != nil {
		if serial, ok, err := d.Serials.LastSerial(ctx, zone); err != nil {
			return xfr.OutcomeFail, err
		} else if ok {
			lastSerial, firstXfer = serial, false
		}
	}

	state := &xfr.State{
		Zone:       zone,
		Master:     m.Addr,
		Conn:       conn,
		Tsig:       rec,
		LastSerial: lastSerial,
		FirstXfer:  firstXfer,
		Timeout:    d.ioTimeout(),
	}

	status, newSerial, err := xfr.CheckSerial(ctx, state)
	if err != nil {
		return xfr.OutcomeFail, err
	}
	if status == xfr.SerialUpToDate {
		return xfr.OutcomeUpToDate, nil
	}

	tree, err := d.openTree(zone)
	if err != nil {
		return xfr.OutcomeFail, err
	}
	defer func() { _ = tree.Close() }()

	var received []packet.DNSRecord
	sink := func(rr packet.DNSRecord) error {
		if _, err := tree.Insert(ownerKey(rr.Name), radix.Elem(len(received))); err != nil {
			return fmt.Errorf("transfer: index %q: %w", rr.Name, err)
		}
		received = append(received, rr)
		if d.Redis != nil {
			if err := d.Redis.Invalidate(ctx, rr.Name, domain.RecordType(rr.Type.String())); err != nil {
				log.Warn("per-record invalidation publish failed", "name", rr.Name, "type", rr.Type.String(), "error", err)
			}
		}
		return nil
	}

	if err := xfr.Axfr(ctx, state, sink); err != nil {
		return xfr.OutcomeFail, err
	}
	metrics.TransferRecordsReceived.WithLabelValues(zone).Add(float64(len(received)))
	metrics.TrieLiveBytes.WithLabelValues(zone).Set(float64(tree.LiveBytes()))

	if d.TreeDir != "" {
		if err := d.writeZoneFile(zone, m, lastSerial, firstXfer, rec, received); err != nil {
			log.Warn("zone-file write failed", "error", err)
		}
	}

	if d.Serials != nil {
		if err := d.Serials.SetSerial(ctx, zone, newSerial); err != nil {
			return xfr.OutcomeFail, err
		}
	}
	if d.Redis != nil {
		if err := d.Redis.PublishZoneTransferred(ctx, zone); err != nil {
			log.Warn("zone-transferred publish failed", "error", err)
		}
	}

	log.Info("zone transfer complete", "master", m.Addr, "serial", newSerial, "records", len(received))
	return xfr.OutcomeSuccess, nil
}

// writeZoneFile renders the just-transferred records to <TreeDir>/<zone>.zone,
// overwriting any previous transfer's output.
func (d *Driver) writeZoneFile(zone string, m MasterConfig, lastSerial uint32, firstXfer bool, rec *tsig.Record, received []packet.DNSRecord) error {
	path := d.TreeDir + "/" + sanitizeZoneName(zone) + ".zone"
	f, err := os.Create(path) // #nosec G304 -- path is derived from operator-supplied zone config, not request input
	if err != nil {
		return fmt.Errorf("transfer: create zone file for %q: %w", zone, err)
	}
	defer func() { _ = f.Close() }()

	meta := ZoneFileMeta{
		ToolVersion:    ToolVersion,
		Zone:           zone,
		PreviousSerial: lastSerial,
		FirstTransfer:  firstXfer,
		Source:         m.Addr,
		Timestamp:      time.Now(),
		TSIGConfigured: rec != nil,
		TSIGVerified:   rec != nil && rec.Status == tsig.StatusOK,
	}
	return WriteZone(f, meta, received)
}

func (d *Driver) ioTimeout() time.Duration {
	if d.Timeout <= 0 {
		return 30 * time.Second
	}
	return d.Timeout
}

func (d *Driver) openTree(zone string) (*radix.Tree, error) {
	path := d.TreeDir + "/" + sanitizeZoneName(zone) + ".db"
	tree, err := radix.Open(path)
	if err == nil {
		return tree, nil
	}
	tree, err = radix.Create(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: create radix arena for %q: %w", zone, err)
	}
	return tree, nil
}

func sanitizeZoneName(zone string) string {
	return strings.Trim(strings.ReplaceAll(zone, "/", "_"), ".")
}

func kindLabel(k xfr.ErrorKind) string {
	switch k {
	case xfr.KindNetworkFatal:
		return "network_fatal"
	case xfr.KindProtocol:
		return "protocol"
	case xfr.KindAuth:
		return "auth"
	case xfr.KindResource:
		return "resource"
	default:
		return "none"
	}
}

// ownerKey canonicalizes a DNS owner name into a wire-form byte string used
// as the trie's key: lowercase ASCII, length-prefixed labels, zero-length
// terminating label. Compression is irrelevant here: this key never
// travels on the wire, it only orders and indexes the trie.
func ownerKey(name string) []byte {
	lower := strings.ToLower(strings.TrimSuffix(name, "."))
	if lower == "" {
		return []byte{0}
	}
	labels := strings.Split(lower, ".")
	var key []byte
	for _, l := range labels {
		key = append(key, byte(len(l))) // #nosec G115 -- DNS labels are capped at 63 bytes
		key = append(key, l...)
	}
	key = append(key, 0)
	return key
}
