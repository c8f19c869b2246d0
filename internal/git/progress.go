package git

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Remoter/internal/asyncjob"
)

// git writes progress lines like
//
//	remote: Compressing objects:  50% (2/4)
//	Receiving objects:  45% (45/100), 1.20 MiB | 2.00 MiB/s
//	Writing objects: 100% (3/3), 280 bytes | 280.00 KiB/s, done.
var progressRx = regexp.MustCompile(`^(?:remote:\s*)?([A-Za-z ]+?):\s+(\d+)%\s+\((\d+)/(\d+)\)(?:,\s+([\d.]+)\s+(bytes?|KiB|MiB|GiB|TiB))?`)

var phases = map[string]asyncjob.Phase{
	"counting objects":    asyncjob.PhaseCounting,
	"compressing objects": asyncjob.PhaseCompressing,
	"receiving objects":   asyncjob.PhaseReceiving,
	"unpacking objects":   asyncjob.PhaseReceiving,
	"resolving deltas":    asyncjob.PhaseResolving,
	"writing objects":     asyncjob.PhaseWriting,
	"updating files":      asyncjob.PhaseUpdating,
}

var units = map[string]float64{
	"byte":  1,
	"bytes": 1,
	"KiB":   1 << 10,
	"MiB":   1 << 20,
	"GiB":   1 << 30,
	"TiB":   1 << 40,
}

// ParseProgress converts a single stderr line into an Event. It returns
// false for lines which are not a progress report.
func ParseProgress(line string) (asyncjob.Event, bool) {
	m := progressRx.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return asyncjob.Event{}, false
	}
	label := strings.ToLower(strings.TrimSpace(m[1]))
	phase, ok := phases[label]
	if !ok {
		phase = asyncjob.Phase(label)
	}
	current, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return asyncjob.Event{}, false
	}
	total, err := strconv.ParseUint(m[4], 10, 64)
	if err != nil {
		return asyncjob.Event{}, false
	}
	e := asyncjob.Event{
		Phase:   phase,
		Current: current,
		Total:   total,
	}
	if m[5] != "" {
		size, err := strconv.ParseFloat(m[5], 64)
		if err == nil {
			e.Bytes = uint64(size * units[m[6]])
		}
	}
	return e, true
}

// scanLines splits on both \r and \n, git redraws progress lines with \r.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// maxLineSize limits a single stderr line, remote hooks may print long ones
const maxLineSize = 1 << 20

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineSize)
	scanner.Split(scanLines)
	return scanner
}
