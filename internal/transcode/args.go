package transcode

import (
	"fmt"
	"strconv"
)

const (
	PlaylistName   = "index.m3u8"
	SegmentPattern = "segment_%03d.ts"

	AudioCodec   = "aac"
	AudioBitrate = "128k"
)

type ArgsInput struct {
	Input          string
	Playlist       string
	SegmentPattern string
	Info           VideoInfo
	Encoder        EncoderProfile
	Threads        int
	SegmentTime    int
	MaxHeight      int
}

// BuildArgs produces the ffmpeg argument list for a single-rendition VOD HLS
// output. H.264 video is copied untouched; anything else is re-encoded and,
// when taller than MaxHeight, scaled down.
func BuildArgs(in ArgsInput) []string {
	var args []string

	if in.Info.IsH264 {
		args = append(args, "-i", in.Input, "-y", "-c:v", "copy")
	} else {
		if in.Encoder.HWAccel != "" {
			args = append(args, "-hwaccel", in.Encoder.HWAccel)
			if in.Encoder.HWOutput != "" {
				args = append(args, "-hwaccel_output_format", in.Encoder.HWOutput)
			}
		}
		args = append(args, "-i", in.Input, "-y", "-c:v", in.Encoder.Codec)
		args = append(args, in.Encoder.ExtraArgs...)

		if in.MaxHeight > 0 && in.Info.Height > in.MaxHeight {
			args = append(args, "-vf", scaleFilter(in.Encoder.ScaleFilter, in.MaxHeight))
		}
	}

	if in.Info.IsAAC {
		args = append(args, "-c:a", "copy")
	} else {
		args = append(args, "-c:a", AudioCodec, "-b:a", AudioBitrate)
	}

	args = append(args,
		"-threads", strconv.Itoa(in.Threads),
		"-f", "hls",
		"-hls_time", strconv.Itoa(in.SegmentTime),
		"-hls_list_size", "0",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", in.SegmentPattern,
		"-hls_playlist_type", "vod",
		"-progress", "pipe:1",
		in.Playlist,
	)
	return args
}

// scaleFilter keeps the aspect ratio; the software filter needs an even width.
func scaleFilter(filter string, height int) string {
	if filter == "scale" {
		return fmt.Sprintf("scale=-2:%d", height)
	}
	return fmt.Sprintf("%s=w=-1:h=%d", filter, height)
}
