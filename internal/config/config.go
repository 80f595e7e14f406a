package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		Port     int    `yaml:"port"`
		DataPath string `yaml:"data_path"`
		Debug    bool   `yaml:"debug"`
	} `yaml:"app"`

	TorrentClient struct {
		Host         string `yaml:"host"`
		Username     string `yaml:"username"`
		Password     string `yaml:"password"`
		DownloadPath string `yaml:"download_path"`
		// Tag marks torrents added by this service; webhooks carrying any other tag are ignored.
		Tag        string `yaml:"tag"`
		SessionTTL string `yaml:"session_ttl"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"torrent_client"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Monitor struct {
		Interval      string `yaml:"interval"`
		AutoTranscode bool   `yaml:"auto_transcode"`
	} `yaml:"monitor"`

	Transcode struct {
		FFmpegPath     string `yaml:"ffmpeg_path"`
		FFprobePath    string `yaml:"ffprobe_path"`
		OutputPath     string `yaml:"output_path"`
		Threads        int    `yaml:"threads"`
		HLSSegmentTime int    `yaml:"hls_segment_time"`
		MaxHeight      int    `yaml:"max_height"`
		Concurrency    int    `yaml:"concurrency"`
		CancelGrace    string `yaml:"cancel_grace"`
	} `yaml:"transcode"`

	Media struct {
		VideoExtensions      []string `yaml:"video_extensions"`
		DirectPlayExtensions []string `yaml:"direct_play_extensions"`
	} `yaml:"media"`

	Watch struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"watch"`

	Notifications struct {
		Pushbullet struct {
			APIKey string `yaml:"api_key"`
		} `yaml:"pushbullet"`
	} `yaml:"notifications"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{}
	setDefaults(cfg)

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	loadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	cfg.App.Port = 8081
	cfg.App.DataPath = "./data"
	cfg.App.Debug = false

	cfg.TorrentClient.Host = "http://localhost:8080"
	cfg.TorrentClient.Username = "admin"
	cfg.TorrentClient.DownloadPath = "/downloads/anisphere"
	cfg.TorrentClient.Tag = "anisphere"
	cfg.TorrentClient.SessionTTL = "1h"
	cfg.TorrentClient.Timeout = "30s"

	cfg.Database.Path = "./data/anisphere.db"

	cfg.Monitor.Interval = "10s"
	cfg.Monitor.AutoTranscode = true

	cfg.Transcode.FFmpegPath = "ffmpeg"
	cfg.Transcode.FFprobePath = "ffprobe"
	cfg.Transcode.OutputPath = "./data/hls"
	cfg.Transcode.Threads = 0
	cfg.Transcode.HLSSegmentTime = 6
	cfg.Transcode.MaxHeight = 1080
	cfg.Transcode.Concurrency = 1
	cfg.Transcode.CancelGrace = "200ms"

	cfg.Media.VideoExtensions = []string{".mp4"}
	cfg.Media.DirectPlayExtensions = []string{".mp4"}

	cfg.Watch.Dir = "./data/watch"
}

// loadFromEnv applies ANISPHERE_* overrides on top of the file values.
func loadFromEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setList := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			*dst = out
		}
	}

	setInt("ANISPHERE_PORT", &cfg.App.Port)
	setString("ANISPHERE_DATA_PATH", &cfg.App.DataPath)
	setBool("ANISPHERE_DEBUG", &cfg.App.Debug)

	setString("ANISPHERE_QBIT_HOST", &cfg.TorrentClient.Host)
	setString("ANISPHERE_QBIT_USERNAME", &cfg.TorrentClient.Username)
	setString("ANISPHERE_QBIT_PASSWORD", &cfg.TorrentClient.Password)
	setString("ANISPHERE_QBIT_DOWNLOAD_PATH", &cfg.TorrentClient.DownloadPath)
	setString("ANISPHERE_QBIT_TAG", &cfg.TorrentClient.Tag)

	setString("ANISPHERE_DATABASE_PATH", &cfg.Database.Path)
	setString("ANISPHERE_MONITOR_INTERVAL", &cfg.Monitor.Interval)
	setBool("ANISPHERE_AUTO_TRANSCODE", &cfg.Monitor.AutoTranscode)

	setString("ANISPHERE_FFMPEG_PATH", &cfg.Transcode.FFmpegPath)
	setString("ANISPHERE_FFPROBE_PATH", &cfg.Transcode.FFprobePath)
	setString("ANISPHERE_HLS_OUTPUT_PATH", &cfg.Transcode.OutputPath)
	setInt("ANISPHERE_TRANSCODE_CONCURRENCY", &cfg.Transcode.Concurrency)

	setList("ANISPHERE_VIDEO_EXTENSIONS", &cfg.Media.VideoExtensions)
	setList("ANISPHERE_DIRECT_PLAY_EXTENSIONS", &cfg.Media.DirectPlayExtensions)

	setString("ANISPHERE_WATCH_DIR", &cfg.Watch.Dir)
	setString("ANISPHERE_PUSHBULLET_API_KEY", &cfg.Notifications.Pushbullet.APIKey)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.TorrentClient.Host == "" {
		return fmt.Errorf("torrent_client.host is required")
	}
	if c.TorrentClient.Tag == "" {
		return fmt.Errorf("torrent_client.tag is required")
	}
	for name, value := range map[string]string{
		"torrent_client.session_ttl": c.TorrentClient.SessionTTL,
		"torrent_client.timeout":     c.TorrentClient.Timeout,
		"monitor.interval":           c.Monitor.Interval,
		"transcode.cancel_grace":     c.Transcode.CancelGrace,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Transcode.Concurrency < 1 {
		return fmt.Errorf("transcode.concurrency must be at least 1, got %d", c.Transcode.Concurrency)
	}
	if c.Transcode.HLSSegmentTime < 1 {
		return fmt.Errorf("transcode.hls_segment_time must be at least 1")
	}
	if c.Transcode.MaxHeight < 1 {
		return fmt.Errorf("transcode.max_height must be at least 1")
	}
	if len(c.Media.VideoExtensions) == 0 {
		return fmt.Errorf("media.video_extensions must not be empty")
	}

	supported := make(map[string]bool, len(c.Media.VideoExtensions))
	for _, ext := range c.Media.VideoExtensions {
		supported[strings.ToLower(ext)] = true
	}
	for _, ext := range c.Media.DirectPlayExtensions {
		if !supported[strings.ToLower(ext)] {
			return fmt.Errorf("direct play extension %q is not a supported video extension", ext)
		}
	}
	return nil
}

// Duration parses a value already checked by Validate.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
