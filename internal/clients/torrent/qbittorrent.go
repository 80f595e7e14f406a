package torrent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type QBittorrentOptions struct {
	Host         string
	Username     string
	Password     string
	DownloadPath string
	Tag          string
	SessionTTL   time.Duration
	Timeout      time.Duration
}

// QBittorrentClient talks to the qBittorrent Web API v2. The SID session is
// cached for SessionTTL and concurrent callers share a single login.
type QBittorrentClient struct {
	opts       QBittorrentOptions
	httpClient *http.Client
	logins     singleflight.Group
	now        func() time.Time

	mu      sync.Mutex
	sid     string
	expires time.Time
}

func NewQBittorrentClient(opts QBittorrentOptions) *QBittorrentClient {
	opts.Host = strings.TrimRight(opts.Host, "/")
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &QBittorrentClient{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		now:        time.Now,
	}
}

// session returns a valid SID, logging in when the cached one is missing or expired.
func (q *QBittorrentClient) session(ctx context.Context) (string, error) {
	q.mu.Lock()
	if q.sid != "" && q.now().Before(q.expires) {
		sid := q.sid
		q.mu.Unlock()
		return sid, nil
	}
	q.mu.Unlock()

	v, err, _ := q.logins.Do("login", func() (interface{}, error) {
		sid, err := q.login(ctx)
		if err != nil {
			return "", err
		}
		q.mu.Lock()
		q.sid = sid
		q.expires = q.now().Add(q.opts.SessionTTL)
		q.mu.Unlock()
		return sid, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (q *QBittorrentClient) invalidate(sid string) {
	q.mu.Lock()
	if q.sid == sid {
		q.sid = ""
		q.expires = time.Time{}
	}
	q.mu.Unlock()
}

// login authenticates with the qBittorrent Web API and gets a session cookie.
func (q *QBittorrentClient) login(ctx context.Context) (string, error) {
	data := url.Values{}
	data.Set("username", q.opts.Username)
	data.Set("password", q.opts.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.opts.Host+"/api/v2/auth/login", strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", q.opts.Host)

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("qbittorrent login: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Op: "login", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if strings.TrimSpace(string(body)) != "Ok." {
		return "", ErrUnauthorized
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "SID" {
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("SID cookie not found after login")
}

// call performs an authenticated request. A 401 or 403 drops the session and
// the request is retried once with a fresh login.
func (q *QBittorrentClient) call(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		sid, err := q.session(ctx)
		if err != nil {
			return nil, err
		}

		var req *http.Request
		if method == http.MethodGet {
			target := q.opts.Host + path
			if len(params) > 0 {
				target += "?" + params.Encode()
			}
			req, err = http.NewRequestWithContext(ctx, method, target, nil)
		} else {
			req, err = http.NewRequestWithContext(ctx, method, q.opts.Host+path, strings.NewReader(params.Encode()))
			if req != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		}
		if err != nil {
			return nil, err
		}
		req.Header.Set("Referer", q.opts.Host)
		req.AddCookie(&http.Cookie{Name: "SID", Value: sid})

		resp, err := q.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("qbittorrent %s: %w", op, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			q.invalidate(sid)
			if attempt == 0 {
				continue
			}
			return nil, fmt.Errorf("qbittorrent %s: %w", op, ErrUnauthorized)
		}
		if readErr != nil {
			return nil, fmt.Errorf("qbittorrent %s: %w", op, readErr)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return body, nil
	}
}

func (q *QBittorrentClient) ComputeHash(ctx context.Context, uri string) (string, error) {
	return ComputeInfoHash(ctx, q.httpClient, uri)
}

// AddDownload adds a magnet or .torrent link with the configured save path
// and tag. Seeding limits are zeroed so the client stops once complete.
func (q *QBittorrentClient) AddDownload(ctx context.Context, uri string) (string, error) {
	hash, err := q.ComputeHash(ctx, uri)
	if err != nil {
		return "", err
	}

	existing, err := q.GetInfo(ctx, hash)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", fmt.Errorf("%s: %w", hash, ErrTorrentExists)
	}

	data := url.Values{}
	data.Set("urls", uri)
	if q.opts.DownloadPath != "" {
		data.Set("savepath", q.opts.DownloadPath)
	}
	if q.opts.Tag != "" {
		data.Set("tags", q.opts.Tag)
	}
	data.Set("ratioLimit", "0")
	data.Set("seedingTimeLimit", "0")

	body, err := q.call(ctx, "add", http.MethodPost, "/api/v2/torrents/add", data)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(body)) == "Fails." {
		return "", &APIError{Op: "add", StatusCode: http.StatusOK, Body: "Fails."}
	}
	return hash, nil
}

func (q *QBittorrentClient) GetInfo(ctx context.Context, hash string) (*TorrentInfo, error) {
	params := url.Values{}
	params.Set("hashes", strings.ToLower(hash))
	body, err := q.call(ctx, "info", http.MethodGet, "/api/v2/torrents/info", params)
	if err != nil {
		return nil, err
	}

	var list []TorrentInfo
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode torrent info: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	info := list[0]
	info.Hash = strings.ToLower(info.Hash)
	return &info, nil
}

type qbFile struct {
	Index    *int    `json:"index"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	Priority int     `json:"priority"`
}

// ListFiles returns the torrent's files. Older Web API versions omit the
// index field, in which case the position in the list is the index.
func (q *QBittorrentClient) ListFiles(ctx context.Context, hash string) ([]FileEntry, error) {
	params := url.Values{}
	params.Set("hash", strings.ToLower(hash))
	body, err := q.call(ctx, "files", http.MethodGet, "/api/v2/torrents/files", params)
	if err != nil {
		return nil, err
	}

	var raw []qbFile
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode torrent files: %w", err)
	}
	files := make([]FileEntry, 0, len(raw))
	for i, f := range raw {
		index := i
		if f.Index != nil {
			index = *f.Index
		}
		files = append(files, FileEntry{
			Index:    index,
			Name:     f.Name,
			Size:     f.Size,
			Progress: f.Progress,
			Priority: f.Priority,
		})
	}
	return files, nil
}

func (q *QBittorrentClient) SetFilePriority(ctx context.Context, hash string, indices []int, priority int) error {
	if len(indices) == 0 {
		return nil
	}
	ids := make([]string, len(indices))
	for i, idx := range indices {
		ids[i] = strconv.Itoa(idx)
	}
	data := url.Values{}
	data.Set("hash", strings.ToLower(hash))
	data.Set("id", strings.Join(ids, "|"))
	data.Set("priority", strconv.Itoa(priority))
	_, err := q.call(ctx, "filePrio", http.MethodPost, "/api/v2/torrents/filePrio", data)
	return err
}

// PauseDownload uses the pre-5.0 endpoint and falls back to its renamed
// successor when the client no longer knows it.
func (q *QBittorrentClient) PauseDownload(ctx context.Context, hash string) error {
	return q.hashAction(ctx, "pause", "/api/v2/torrents/pause", "/api/v2/torrents/stop", hash)
}

func (q *QBittorrentClient) ResumeDownload(ctx context.Context, hash string) error {
	return q.hashAction(ctx, "resume", "/api/v2/torrents/resume", "/api/v2/torrents/start", hash)
}

func (q *QBittorrentClient) hashAction(ctx context.Context, op, path, fallback, hash string) error {
	data := url.Values{}
	data.Set("hashes", strings.ToLower(hash))
	_, err := q.call(ctx, op, http.MethodPost, path, data)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		_, err = q.call(ctx, op, http.MethodPost, fallback, data)
	}
	return err
}

func (q *QBittorrentClient) DeleteDownload(ctx context.Context, hash string, deleteFiles bool) error {
	data := url.Values{}
	data.Set("hashes", strings.ToLower(hash))
	data.Set("deleteFiles", strconv.FormatBool(deleteFiles))
	_, err := q.call(ctx, "delete", http.MethodPost, "/api/v2/torrents/delete", data)
	return err
}

// TestConnection forces a fresh login and reads the application version.
func (q *QBittorrentClient) TestConnection(ctx context.Context) error {
	q.mu.Lock()
	q.sid = ""
	q.mu.Unlock()

	if _, err := q.call(ctx, "version", http.MethodGet, "/api/v2/app/version", nil); err != nil {
		return err
	}
	return nil
}
