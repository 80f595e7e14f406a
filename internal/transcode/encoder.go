package transcode

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// EncoderProfile describes how to drive one H.264 encoder. Profiles are
// values and never change once detection has picked one.
type EncoderProfile struct {
	Name        string
	Codec       string
	HWAccel     string
	HWOutput    string
	ScaleFilter string
	ExtraArgs   []string
}

var (
	ProfileQSV = EncoderProfile{
		Name:        "qsv",
		Codec:       "h264_qsv",
		HWAccel:     "qsv",
		HWOutput:    "qsv",
		ScaleFilter: "scale_qsv",
		ExtraArgs:   []string{"-preset", "medium", "-global_quality", "23"},
	}
	ProfileNVENC = EncoderProfile{
		Name:        "nvenc",
		Codec:       "h264_nvenc",
		HWAccel:     "cuda",
		HWOutput:    "cuda",
		ScaleFilter: "scale_cuda",
		ExtraArgs:   []string{"-preset", "p4", "-cq", "23"},
	}
	ProfileVideoToolbox = EncoderProfile{
		Name:        "videotoolbox",
		Codec:       "h264_videotoolbox",
		ScaleFilter: "scale",
		ExtraArgs:   []string{"-q:v", "65"},
	}
	ProfileSoftware = EncoderProfile{
		Name:        "software",
		Codec:       "libx264",
		ScaleFilter: "scale",
		ExtraArgs:   []string{"-preset", "medium", "-crf", "23", "-profile:v", "high", "-level", "4.1"},
	}
)

// encoderPriority is the detection order; software is the fallback.
var encoderPriority = []EncoderProfile{ProfileQSV, ProfileNVENC, ProfileVideoToolbox}

// SelectEncoder picks the best profile from `ffmpeg -encoders` output.
func SelectEncoder(encodersOutput string) EncoderProfile {
	available := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(encodersOutput))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 {
			available[fields[1]] = true
		}
	}
	for _, p := range encoderPriority {
		if available[p.Codec] {
			return p
		}
	}
	return ProfileSoftware
}

// DetectEncoder lists ffmpeg's encoders and selects a profile. When ffmpeg
// cannot be run the software profile is returned along with the error.
func DetectEncoder(ctx context.Context, ffmpegPath string) (EncoderProfile, error) {
	out, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return ProfileSoftware, fmt.Errorf("failed to list ffmpeg encoders: %w", err)
	}
	return SelectEncoder(string(out)), nil
}
