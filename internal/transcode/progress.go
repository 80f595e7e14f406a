package transcode

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"
)

// Progress is one snapshot of a running job.
type Progress struct {
	TaskID  int64         `json:"task_id"`
	State   string        `json:"state"`
	Percent int           `json:"percent"`
	OutTime time.Duration `json:"out_time"`
	Frame   int64         `json:"frame"`
	FPS     float64       `json:"fps"`
	Speed   string        `json:"speed"`
	Error   string        `json:"error,omitempty"`
}

// Event states carried in Progress.State.
const (
	StateRunning    = "running"
	StateTranscoded = "transcoded"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// ProgressParser consumes ffmpeg `-progress` output in arbitrary chunks. A
// line split across two chunks is carried over until its newline arrives.
// One snapshot is emitted per `progress=` line, which closes each block.
type ProgressParser struct {
	duration time.Duration
	carry    []byte
	current  Progress
}

func NewProgressParser(duration time.Duration) *ProgressParser {
	return &ProgressParser{duration: duration}
}

// Feed parses every complete line in chunk and returns the finished snapshots.
func (p *ProgressParser) Feed(chunk []byte) []Progress {
	p.carry = append(p.carry, chunk...)
	var out []Progress
	for {
		i := bytes.IndexByte(p.carry, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(p.carry[:i]))
		p.carry = p.carry[i+1:]
		if snap, ok := p.parseLine(line); ok {
			out = append(out, snap)
		}
	}
	if len(p.carry) == 0 {
		p.carry = nil
	}
	return out
}

func (p *ProgressParser) parseLine(line string) (Progress, bool) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return Progress{}, false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	switch key {
	case "out_time_us", "out_time_ms":
		// ffmpeg reports microseconds under both keys.
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			p.current.OutTime = time.Duration(us) * time.Microsecond
			p.current.Percent = Percent(p.current.OutTime, p.duration)
		}
	case "frame":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.current.Frame = n
		}
	case "fps":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			p.current.FPS = f
		}
	case "speed":
		p.current.Speed = value
	case "progress":
		snap := p.current
		snap.State = StateRunning
		return snap, true
	}
	return Progress{}, false
}

// Percent maps elapsed output time onto 0..99. 100 is reserved for a job
// whose process has exited successfully.
func Percent(outTime, duration time.Duration) int {
	if duration <= 0 || outTime <= 0 {
		return 0
	}
	pct := int(math.Round(float64(outTime) / float64(duration) * 100))
	if pct > 99 {
		return 99
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
