// Package transfer orchestrates the TSIG engine, the AXFR client, and the
// radix trie into a complete per-zone transfer pipeline: it reads the
// configured (zone, master, key) tuples, runs the transfer, persists the
// resulting serial, fans out an invalidation notice, and emits a zone-file
// copy of what it received.
package transfer

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/poyrazK/cloudDNS/internal/dns/tsig"
)

// ParseKeyFile reads a TSIG key file: one newline-delimited record per
// master, in order server IP, key name, algorithm tag, base64 secret.
// Fields are whitespace-separated; blank lines and lines starting with
// '#' are skipped.
func ParseKeyFile(r io.Reader) (map[string]*tsig.Key, error) {
	keys := make(map[string]*tsig.Key)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("transfer: keyfile line %d: want 4 fields, got %d", lineNo, len(fields))
		}
		serverIP, name, algTag, secretB64 := fields[0], fields[1], fields[2], fields[3]
		algorithm, err := algorithmForTag(algTag)
		if err != nil {
			return nil, fmt.Errorf("transfer: keyfile line %d: %w", lineNo, err)
		}
		secret, err := base64.StdEncoding.DecodeString(secretB64)
		if err != nil {
			return nil, fmt.Errorf("transfer: keyfile line %d: bad base64 secret: %w", lineNo, err)
		}
		keys[serverIP] = &tsig.Key{
			Name:       name,
			Algorithm:  algorithm,
			Secret:     secret,
			ServerAddr: serverIP,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("transfer: reading keyfile: %w", err)
	}
	return keys, nil
}

func algorithmForTag(tag string) (string, error) {
	switch strings.ToLower(tag) {
	case "hmac-md5", "md5":
		return tsig.AlgHMACMD5, nil
	case "hmac-sha1", "sha1":
		return tsig.AlgHMACSHA1, nil
	case "hmac-sha224", "sha224":
		return tsig.AlgHMACSHA224, nil
	case "hmac-sha256", "sha256":
		return tsig.AlgHMACSHA256, nil
	case "hmac-sha384", "sha384":
		return tsig.AlgHMACSHA384, nil
	case "hmac-sha512", "sha512":
		return tsig.AlgHMACSHA512, nil
	default:
		return "", fmt.Errorf("unknown algorithm tag %q", tag)
	}
}

// LoadAndRemoveKeyFile reads path per ParseKeyFile and then removes it, so
// the secret does not linger on disk after the driver has loaded it.
// Removal only happens once the read has fully succeeded.
func LoadAndRemoveKeyFile(path string) (map[string]*tsig.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: open keyfile: %w", err)
	}
	keys, err := ParseKeyFile(f)
	closeErr := f.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, fmt.Errorf("transfer: close keyfile: %w", closeErr)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("transfer: remove keyfile: %w", err)
	}
	return keys, nil
}
