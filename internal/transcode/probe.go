package transcode

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

type VideoInfo struct {
	Duration   time.Duration
	Width      int
	Height     int
	VideoCodec string
	AudioCodec string
	// IsH264 and IsAAC mark streams that can be copied into the HLS output.
	IsH264 bool
	IsAAC  bool
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		CodecTag  string `json:"codec_tag_string"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

var (
	h264Codecs = map[string]bool{"h264": true, "avc1": true, "avc": true}
	aacCodecs  = map[string]bool{"aac": true, "mp4a": true}
)

// Probe runs ffprobe on input and summarises the first video and audio streams.
func Probe(ctx context.Context, ffprobePath, input string) (*VideoInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", input, err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*VideoInfo, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode ffprobe output: %w", err)
	}

	info := &VideoInfo{}
	if seconds, err := strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64); err == nil && seconds > 0 {
		info.Duration = time.Duration(seconds * float64(time.Second))
	}

	haveVideo := false
	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if haveVideo {
				continue
			}
			haveVideo = true
			info.VideoCodec = strings.ToLower(s.CodecName)
			info.Width = s.Width
			info.Height = s.Height
			info.IsH264 = h264Codecs[info.VideoCodec] || h264Codecs[strings.ToLower(s.CodecTag)]
		case "audio":
			if info.AudioCodec != "" {
				continue
			}
			info.AudioCodec = strings.ToLower(s.CodecName)
			info.IsAAC = aacCodecs[info.AudioCodec] || aacCodecs[strings.ToLower(s.CodecTag)]
		}
	}
	if !haveVideo {
		return nil, fmt.Errorf("no video stream found")
	}
	return info, nil
}
