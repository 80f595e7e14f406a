package transcode

import (
	"strings"
	"testing"
	"time"
)

func argValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name      string
		info      VideoInfo
		encoder   EncoderProfile
		wantVideo string
		wantAudio string
		wantScale string
		wantHW    string
	}{
		{
			name:      "h264 and aac copied",
			info:      VideoInfo{IsH264: true, IsAAC: true, Height: 2160},
			encoder:   ProfileNVENC,
			wantVideo: "copy",
			wantAudio: "copy",
		},
		{
			name:      "hevc 4k on nvenc scales",
			info:      VideoInfo{VideoCodec: "hevc", Height: 2160},
			encoder:   ProfileNVENC,
			wantVideo: "h264_nvenc",
			wantAudio: "aac",
			wantScale: "scale_cuda=w=-1:h=1080",
			wantHW:    "cuda",
		},
		{
			name:      "hevc 4k software scales with even width",
			info:      VideoInfo{VideoCodec: "hevc", Height: 2160, IsAAC: true},
			encoder:   ProfileSoftware,
			wantVideo: "libx264",
			wantAudio: "copy",
			wantScale: "scale=-2:1080",
		},
		{
			name:      "hevc 1080 not scaled",
			info:      VideoInfo{VideoCodec: "hevc", Height: 1080},
			encoder:   ProfileQSV,
			wantVideo: "h264_qsv",
			wantAudio: "aac",
			wantHW:    "qsv",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := BuildArgs(ArgsInput{
				Input:          "/in/ep.mkv",
				Playlist:       "/out/task_1/index.m3u8",
				SegmentPattern: "/out/task_1/segment_%03d.ts",
				Info:           tt.info,
				Encoder:        tt.encoder,
				Threads:        2,
				SegmentTime:    6,
				MaxHeight:      1080,
			})

			if v, _ := argValue(args, "-c:v"); v != tt.wantVideo {
				t.Errorf("-c:v = %q, want %q", v, tt.wantVideo)
			}
			if v, _ := argValue(args, "-c:a"); v != tt.wantAudio {
				t.Errorf("-c:a = %q, want %q", v, tt.wantAudio)
			}
			if tt.wantAudio == "aac" {
				if v, _ := argValue(args, "-b:a"); v != "128k" {
					t.Errorf("-b:a = %q, want 128k", v)
				}
			}
			scale, hasScale := argValue(args, "-vf")
			if tt.wantScale == "" && hasScale {
				t.Errorf("unexpected -vf %q", scale)
			}
			if tt.wantScale != "" && scale != tt.wantScale {
				t.Errorf("-vf = %q, want %q", scale, tt.wantScale)
			}
			hw, hasHW := argValue(args, "-hwaccel")
			if hw != tt.wantHW || hasHW != (tt.wantHW != "") {
				t.Errorf("-hwaccel = %q, want %q", hw, tt.wantHW)
			}
			if hasHW {
				if hwIdx, inIdx := indexOf(args, "-hwaccel"), indexOf(args, "-i"); hwIdx > inIdx {
					t.Error("-hwaccel must precede -i")
				}
			}

			if got := args[len(args)-1]; got != "/out/task_1/index.m3u8" {
				t.Errorf("last arg = %q, want playlist", got)
			}
			joined := strings.Join(args, " ")
			for _, want := range []string{
				"-threads 2", "-f hls", "-hls_time 6", "-hls_list_size 0",
				"-hls_segment_type mpegts", "-hls_segment_filename /out/task_1/segment_%03d.ts",
				"-hls_playlist_type vod", "-progress pipe:1",
			} {
				if !strings.Contains(joined, want) {
					t.Errorf("args missing %q: %s", want, joined)
				}
			}
		})
	}
}

func indexOf(args []string, flag string) int {
	for i, a := range args {
		if a == flag {
			return i
		}
	}
	return -1
}

func TestSelectEncoder(t *testing.T) {
	header := "Encoders:\n V..... = Video\n ------\n"
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"qsv preferred", header + " V....D h264_nvenc   NVIDIA\n V....D h264_qsv     QSV\n V....D libx264 x264\n", "qsv"},
		{"nvenc", header + " V....D h264_nvenc   NVIDIA\n V....D libx264 x264\n", "nvenc"},
		{"videotoolbox", header + " V....D h264_videotoolbox VT\n", "videotoolbox"},
		{"software fallback", header + " V....D libx264 x264\n A....D aac AAC\n", "software"},
		{"substring is not a match", header + " V....D h264_qsv_fake x\n", "software"},
		{"empty", "", "software"},
	}
	for _, tt := range tests {
		if got := SelectEncoder(tt.output); got.Name != tt.want {
			t.Errorf("%s: SelectEncoder() = %s, want %s", tt.name, got.Name, tt.want)
		}
	}
}

func TestParseProbe(t *testing.T) {
	data := []byte(`{
		"streams": [
			{"codec_type": "video", "codec_name": "hevc", "width": 3840, "height": 2160},
			{"codec_type": "audio", "codec_name": "aac"},
			{"codec_type": "audio", "codec_name": "flac"}
		],
		"format": {"duration": "1420.5"}
	}`)
	info, err := parseProbe(data)
	if err != nil {
		t.Fatalf("parseProbe() error = %v", err)
	}
	if info.IsH264 || !info.IsAAC || info.Height != 2160 || info.VideoCodec != "hevc" {
		t.Errorf("parseProbe() = %+v", info)
	}
	if info.Duration != 1420500*time.Millisecond {
		t.Errorf("Duration = %v", info.Duration)
	}

	if _, err := parseProbe([]byte(`{"streams":[{"codec_type":"audio","codec_name":"aac"}],"format":{}}`)); err == nil {
		t.Error("parseProbe() without video stream succeeded")
	}

	info, err = parseProbe([]byte(`{"streams":[{"codec_type":"video","codec_name":"h264","height":720}],"format":{"duration":"N/A"}}`))
	if err != nil || !info.IsH264 || info.IsAAC || info.Duration != 0 {
		t.Errorf("parseProbe(h264, no audio) = %+v, %v", info, err)
	}
}
