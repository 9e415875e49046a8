package transmux

import (
	"path/filepath"
	"strings"

	"github.com/JRascall/MediaServer/pkg/config"
)

const (
	hlsPlaylist  = "index.m3u8"
	dashManifest = "index.mpd"
)

// teeOutput renders one tee muxer slave, merging extra options written as
// "[key=value:key=value]" into the slave's option block.
func teeOutput(format, flags, target string) string {
	opts := "f=" + format
	if extra := strings.Trim(strings.TrimSpace(flags), "[]"); extra != "" {
		opts += ":" + extra
	}
	return "[" + opts + "]" + target
}

// buildArgs returns the ffmpeg command line that pulls input and writes the
// outputs enabled in task under outDir. Codecs are copied as published.
func buildArgs(task config.TransmuxTask, input, outDir string) []string {
	var outputs []string
	if task.HLS {
		outputs = append(outputs, teeOutput("hls", task.HLSFlags, filepath.Join(outDir, hlsPlaylist)))
	}
	if task.DASH {
		outputs = append(outputs, teeOutput("dash", task.DASHFlags, filepath.Join(outDir, dashManifest)))
	}
	return []string{
		"-y",
		"-i", input,
		"-c:v", "copy",
		"-c:a", "copy",
		"-map", "0:a?",
		"-map", "0:v?",
		"-f", "tee",
		strings.Join(outputs, "|"),
	}
}
