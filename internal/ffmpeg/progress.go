package ffmpeg

import (
	"regexp"
	"strconv"
	"time"
)

// Progress represents FFmpeg progress information.
type Progress struct {
	Frame      int64         `json:"frame"`
	FPS        float64       `json:"fps"`
	Bitrate    string        `json:"bitrate"`
	TotalSize  int64         `json:"total_size"`
	Time       time.Duration `json:"time"`
	Speed      float64       `json:"speed"`
	DupFrames  int64         `json:"dup_frames"`
	DropFrames int64         `json:"drop_frames"`
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+\s*\w+/s)`)
	sizeRe    = regexp.MustCompile(`size=\s*(\d+)`)
	timeRe    = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)
	speedRe   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	dupRe     = regexp.MustCompile(`dup=\s*(\d+)`)
	dropRe    = regexp.MustCompile(`drop=\s*(\d+)`)
)

// ParseProgress parses one `-stats` line. It reports false for lines that
// carry no frame counter.
func ParseProgress(line string) (Progress, bool) {
	var p Progress

	matches := frameRe.FindStringSubmatch(line)
	if len(matches) < 2 {
		return p, false
	}
	p.Frame, _ = strconv.ParseInt(matches[1], 10, 64)

	if matches := fpsRe.FindStringSubmatch(line); len(matches) > 1 {
		p.FPS, _ = strconv.ParseFloat(matches[1], 64)
	}

	if matches := bitrateRe.FindStringSubmatch(line); len(matches) > 1 {
		p.Bitrate = matches[1]
	}

	if matches := sizeRe.FindStringSubmatch(line); len(matches) > 1 {
		p.TotalSize, _ = strconv.ParseInt(matches[1], 10, 64)
	}

	if matches := timeRe.FindStringSubmatch(line); len(matches) > 4 {
		hours, _ := strconv.Atoi(matches[1])
		mins, _ := strconv.Atoi(matches[2])
		secs, _ := strconv.Atoi(matches[3])
		cs, _ := strconv.Atoi(matches[4])
		p.Time = time.Duration(hours)*time.Hour +
			time.Duration(mins)*time.Minute +
			time.Duration(secs)*time.Second +
			time.Duration(cs)*10*time.Millisecond
	}

	if matches := speedRe.FindStringSubmatch(line); len(matches) > 1 {
		p.Speed, _ = strconv.ParseFloat(matches[1], 64)
	}

	if matches := dupRe.FindStringSubmatch(line); len(matches) > 1 {
		p.DupFrames, _ = strconv.ParseInt(matches[1], 10, 64)
	}

	if matches := dropRe.FindStringSubmatch(line); len(matches) > 1 {
		p.DropFrames, _ = strconv.ParseInt(matches[1], 10, 64)
	}

	return p, true
}
