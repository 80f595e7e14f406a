package torrent

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

const maxTorrentFileSize = 10 << 20

// MagnetInfoHash extracts the btih token of a magnet link. Hex tokens are
// lowercased and base32 tokens are converted to hex.
func MagnetInfoHash(uri string) (string, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	return strings.ToLower(m.InfoHash.HexString()), nil
}

// TorrentFileInfoHash decodes a .torrent file and hashes the canonical
// bencoding of its info dictionary.
func TorrentFileInfoHash(data []byte) (string, error) {
	var raw struct {
		Info bencode.Bytes `bencode:"info"`
	}
	if err := bencode.Unmarshal(data, &raw); err != nil {
		return "", fmt.Errorf("%w: decode torrent: %v", ErrInvalidLink, err)
	}
	if len(raw.Info) == 0 {
		return "", fmt.Errorf("%w: torrent has no info dictionary", ErrInvalidLink)
	}

	var info interface{}
	if err := bencode.Unmarshal(raw.Info, &info); err != nil {
		return "", fmt.Errorf("%w: decode info dictionary: %v", ErrInvalidLink, err)
	}
	if _, ok := info.(map[string]interface{}); !ok {
		return "", fmt.Errorf("%w: info is not a dictionary", ErrInvalidLink)
	}
	canonical, err := bencode.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("encode info dictionary: %w", err)
	}

	sum := sha1.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MagnetFromTorrentFile builds a magnet link carrying the info hash, name and
// trackers of a .torrent file, so a local file can be handed to the client as
// a link.
func MagnetFromTorrentFile(data []byte) (string, error) {
	hash, err := TorrentFileInfoHash(data)
	if err != nil {
		return "", err
	}
	var meta struct {
		Announce     string     `bencode:"announce"`
		AnnounceList [][]string `bencode:"announce-list"`
		Info         struct {
			Name string `bencode:"name"`
		} `bencode:"info"`
	}
	if err := bencode.Unmarshal(data, &meta); err != nil {
		return "", fmt.Errorf("%w: decode torrent: %v", ErrInvalidLink, err)
	}

	m := metainfo.Magnet{
		InfoHash:    metainfo.NewHashFromHex(hash),
		DisplayName: meta.Info.Name,
	}
	seen := make(map[string]bool)
	for _, tier := range append([][]string{{meta.Announce}}, meta.AnnounceList...) {
		for _, tr := range tier {
			if tr != "" && !seen[tr] {
				seen[tr] = true
				m.Trackers = append(m.Trackers, tr)
			}
		}
	}
	return m.String(), nil
}

// DisplayName is a best-effort human name for a link: the dn of a magnet or
// the last path segment of a URL.
func DisplayName(uri string) string {
	uri = strings.TrimSpace(uri)
	if strings.HasPrefix(strings.ToLower(uri), "magnet:") {
		if m, err := metainfo.ParseMagnetUri(uri); err == nil && m.DisplayName != "" {
			return m.DisplayName
		}
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// ComputeInfoHash resolves the info hash of a magnet or an http(s) link to a
// .torrent file, fetching the file with client.
func ComputeInfoHash(ctx context.Context, client *http.Client, uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "magnet:"):
		return MagnetInfoHash(uri)
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		data, err := fetchTorrentFile(ctx, client, uri)
		if err != nil {
			return "", err
		}
		return TorrentFileInfoHash(data)
	default:
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidLink, uri)
	}
}

func fetchTorrentFile(ctx context.Context, client *http.Client, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch torrent file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch torrent file with status: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTorrentFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read torrent file: %w", err)
	}
	if len(data) > maxTorrentFileSize {
		return nil, fmt.Errorf("%w: torrent file exceeds %d bytes", ErrInvalidLink, maxTorrentFileSize)
	}
	return data, nil
}
