package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// LoadAuthorizedKeys loads and parses an authorized_keys file.
// Returns a simple peer ID -> bool map for backward compatibility.
// Format: <peer-id> [key=value attrs...] [# comment]
func LoadAuthorizedKeys(path string) (map[peer.ID]bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open authorized_keys file: %w", err)
	}
	defer file.Close()

	authorizedPeers := make(map[peer.ID]bool)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		peerIDStr, _, _ := parseLine(scanner.Text())
		if peerIDStr == "" {
			continue
		}

		peerID, err := peer.Decode(peerIDStr)
		if err != nil {
			return nil, fmt.Errorf("invalid peer ID at line %d: %s (error: %w)", lineNum, peerIDStr, err)
		}

		authorizedPeers[peerID] = true
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading authorized_keys file: %w", err)
	}

	return authorizedPeers, nil
}

// IsAuthorized checks if a peer ID is in the authorized list
func IsAuthorized(peerID peer.ID, authorizedPeers map[peer.ID]bool) bool {
	return authorizedPeers[peerID]
}

// Entry is one parsed line of an authorized_keys file: a peer ID plus its
// optional expiry and verification attributes and trailing comment.
type Entry struct {
	PeerID    string
	ExpiresAt time.Time // zero if unset
	Verified  string    // opaque verification tag, empty if unset
	Comment   string
}

// ListPeers parses every peer entry in an authorized_keys file, in file
// order.
func ListPeers(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open authorized_keys file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		peerIDStr, attrs, comment := parseLine(scanner.Text())
		if peerIDStr == "" {
			continue
		}
		if _, err := peer.Decode(peerIDStr); err != nil {
			return nil, fmt.Errorf("invalid peer ID at line %d: %s (error: %w)", lineNum, peerIDStr, err)
		}

		e := Entry{PeerID: peerIDStr, Comment: comment}
		if v, ok := attrs["expires"]; ok {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("invalid expires attribute at line %d: %w", lineNum, err)
			}
			e.ExpiresAt = t
		}
		if v, ok := attrs["verified"]; ok {
			e.Verified = v
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading authorized_keys file: %w", err)
	}
	return entries, nil
}

// AddPeer appends a peer ID with an optional comment to an authorized_keys
// file, creating it if it doesn't already exist. It rejects a peer ID
// already present.
func AddPeer(path, peerIDStr, comment string) error {
	if _, err := peer.Decode(peerIDStr); err != nil {
		return fmt.Errorf("invalid peer ID %q: %w", peerIDStr, err)
	}

	if _, statErr := os.Stat(path); statErr == nil {
		entries, err := ListPeers(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.PeerID == peerIDStr {
				return fmt.Errorf("peer %s is already authorized", peerIDStr)
			}
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open authorized_keys for append: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(formatLine(peerIDStr, nil, comment) + "\n"); err != nil {
		return fmt.Errorf("append authorized_keys entry: %w", err)
	}
	return nil
}

// RemovePeer deletes the entry for peerIDStr from an authorized_keys file.
// Returns an error if the peer isn't present.
func RemovePeer(path, peerIDStr string) error {
	entries, err := ListPeers(path)
	if err != nil {
		return err
	}

	found := false
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.PeerID == peerIDStr {
			found = true
			continue
		}
		attrs := map[string]string{}
		if !e.ExpiresAt.IsZero() {
			attrs["expires"] = e.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if e.Verified != "" {
			attrs["verified"] = e.Verified
		}
		lines = append(lines, formatLine(e.PeerID, attrs, e.Comment))
	}
	if !found {
		return fmt.Errorf("peer %s not found in authorized_keys", peerIDStr)
	}

	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return fmt.Errorf("write authorized_keys: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename authorized_keys: %w", err)
	}
	return nil
}

// SetPeerAttr sets (or, for an empty value, clears) one attribute on an
// existing peer's entry, preserving its other attributes and comment.
func SetPeerAttr(path, peerIDStr, key, value string) error {
	entries, err := ListPeers(path)
	if err != nil {
		return err
	}

	found := false
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		attrs := map[string]string{}
		if !e.ExpiresAt.IsZero() {
			attrs["expires"] = e.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if e.Verified != "" {
			attrs["verified"] = e.Verified
		}

		if e.PeerID == peerIDStr {
			found = true
			if value == "" {
				delete(attrs, key)
			} else {
				attrs[key] = value
			}
		}
		lines = append(lines, formatLine(e.PeerID, attrs, e.Comment))
	}
	if !found {
		return fmt.Errorf("peer %s not found in authorized_keys", peerIDStr)
	}

	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return fmt.Errorf("write authorized_keys: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename authorized_keys: %w", err)
	}
	return nil
}

// attrOrder fixes the attribute emission order so formatLine output is
// stable and round-trips through parseLine unchanged.
var attrOrder = []string{"expires", "verified"}

// parseLine splits one authorized_keys line into its peer ID, attribute
// map, and trailing comment. Returns an empty peer ID for blank lines and
// comment-only lines.
func parseLine(line string) (string, map[string]string, string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", nil, ""
	}

	comment := ""
	if idx := strings.Index(line, "#"); idx >= 0 {
		comment = strings.TrimSpace(line[idx+1:])
		line = strings.TrimSpace(line[:idx])
	}
	if line == "" {
		return "", nil, ""
	}

	fields := strings.Fields(line)
	peerID := fields[0]
	var attrs map[string]string
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]string)
		}
		attrs[k] = v
	}
	return peerID, attrs, comment
}

// formatLine is the inverse of parseLine: render a peer ID, attribute map,
// and comment as one authorized_keys line, with attrs emitted in
// attrOrder.
func formatLine(peerIDStr string, attrs map[string]string, comment string) string {
	var b strings.Builder
	b.WriteString(peerIDStr)
	for _, k := range attrOrder {
		if v, ok := attrs[k]; ok && v != "" {
			b.WriteString("  ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(v)
		}
	}
	if comment != "" {
		b.WriteString("  # ")
		b.WriteString(comment)
	}
	return b.String()
}
