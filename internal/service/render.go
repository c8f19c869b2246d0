package service

import (
	"fmt"
	"io"
	"time"

	"github.com/docker/go-units"

	"github.com/CZERTAINLY/Remoter/internal/asyncjob"
	"github.com/CZERTAINLY/Remoter/internal/model"
)

// TextRenderer redraws a single progress line per job on a terminal.
type TextRenderer struct {
	w io.Writer
}

func NewTextRenderer(w io.Writer) TextRenderer {
	return TextRenderer{w: w}
}

func (r TextRenderer) Progress(kind asyncjob.Kind, req model.Request, s asyncjob.Snapshot) {
	line := fmt.Sprintf("%s %s/%s: %s %3d%% (%d/%d)", kind, req.Remote, req.Branch, s.Phase, s.Percent(), s.Current, s.Total)
	if s.Bytes > 0 {
		line += ", " + units.BytesSize(float64(s.Bytes))
	}
	_, _ = fmt.Fprintf(r.w, "\r\033[K%s", line)
}

func (r TextRenderer) Finished(kind asyncjob.Kind, res asyncjob.Result) {
	took := res.Stopped.Sub(res.Started).Round(time.Millisecond)
	if !res.Succeeded() {
		_, _ = fmt.Fprintf(r.w, "\r\033[K%s failed after %s: %s\n", kind, took, res.Message)
		return
	}
	_, _ = fmt.Fprintf(r.w, "\r\033[K%s done in %s, %s transferred\n", kind, took, units.BytesSize(float64(res.Metric)))
}
