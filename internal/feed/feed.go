// Package feed tails the host's network request log into the ingestor.
//
// The log is NDJSON, one completed request per line:
//
//	{"initiator":"chrome-extension://<id>","url":"https://example.com/a.js","type":"script","timeStamp":1709012345678.5}
//
// timeStamp is milliseconds since the Unix epoch, as the host's webRequest
// API reports it. A byte offset next to the log records how far it has been
// consumed and is replaced atomically (temp file + rename), so a crash
// replays at most the lines of one tick.
package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/blackwell-systems/extmon/internal/extension"
	"github.com/blackwell-systems/extmon/internal/ingest"
	"github.com/blackwell-systems/extmon/internal/logging"
	"github.com/blackwell-systems/extmon/internal/metrics"
	"github.com/blackwell-systems/extmon/internal/serial"
)

// MaxLinesPerTick bounds the work done by one ProcessOnce call.
const MaxLinesPerTick = 10_000

// Handler receives parsed requests. *ingest.Ingestor satisfies it.
type Handler interface {
	HandleNetworkRequest(ctx context.Context, ev ingest.NetworkRequest) error
}

// Processor consumes new lines of one request log.
type Processor struct {
	logPath    string
	offsetPath string
	handler    Handler
	metrics    *metrics.Metrics
	log        *log.Logger
}

// Result summarizes one ProcessOnce call.
type Result struct {
	Lines     int // complete lines consumed
	Handled   int // requests counted into stats
	Rejected  int // requests the handler refused
	Malformed int // lines that were not a request record
}

// NewProcessor returns a Processor for logPath. The offset is kept in
// logPath + ".offset".
func NewProcessor(logPath string, h Handler, m *metrics.Metrics) (*Processor, error) {
	if h == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Processor{
		logPath:    logPath,
		offsetPath: logPath + ".offset",
		handler:    h,
		metrics:    m,
		log:        logging.Component("feed"),
	}, nil
}

// LogPath returns the tailed file.
func (p *Processor) LogPath() string {
	return p.logPath
}

type record struct {
	Initiator string   `json:"initiator"`
	URL       string   `json:"url"`
	Type      string   `json:"type"`
	TimeStamp *float64 `json:"timeStamp"`
}

// ProcessOnce hands every complete line written since the last call to the
// handler, up to MaxLinesPerTick. A trailing line without a newline is left
// for the next call. A missing log is not an error.
//
// Handler errors are per-event drops and do not stop the batch, except when
// the handler gave up because ctx ended or the ingestor shut down. Then the
// batch stops and the offset is saved before that line, so the next call
// hands it over again.
func (p *Processor) ProcessOnce(ctx context.Context) (Result, error) {
	var res Result

	f, err := os.Open(p.logPath)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to open request log: %w", err)
	}
	defer f.Close()

	offset, err := readOffset(p.offsetPath)
	if err != nil {
		return res, fmt.Errorf("failed to read offset: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return res, fmt.Errorf("failed to stat request log: %w", err)
	}
	if offset > info.Size() {
		// Truncated or rotated underneath us.
		p.log.Info("request log shrank, restarting from the beginning", "offset", offset, "size", info.Size())
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return res, fmt.Errorf("failed to seek request log: %w", err)
	}

	start := offset
	r := bufio.NewReader(f)
	for res.Lines < MaxLinesPerTick {
		if ctx.Err() != nil {
			break
		}

		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break // incomplete or no line; retry next tick
		}
		if err != nil {
			p.saveOffset(start, offset) //nolint:errcheck
			return res, fmt.Errorf("failed to read request log: %w", err)
		}
		lineStart := offset
		offset += int64(len(line))
		res.Lines++

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		ev, err := parseLine(line)
		if err != nil {
			res.Malformed++
			p.metrics.EventsDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
			p.log.Debug("skipping malformed line", "err", err)
			continue
		}

		if err := p.handler.HandleNetworkRequest(ctx, ev); err != nil {
			if aborted(err) {
				// Not handled: leave the line for the next call.
				offset = lineStart
				res.Lines--
				break
			}
			res.Rejected++
			continue
		}
		res.Handled++
	}

	if err := p.saveOffset(start, offset); err != nil {
		return res, err
	}
	return res, nil
}

// aborted reports whether err means the request was never processed rather
// than refused.
func aborted(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, serial.ErrClosed)
}

func (p *Processor) saveOffset(start, offset int64) error {
	if offset == start {
		return nil
	}
	if err := writeOffsetAtomic(p.offsetPath, offset); err != nil {
		return fmt.Errorf("failed to write offset: %w", err)
	}
	return nil
}

// parseLine decodes one NDJSON record into a request.
func parseLine(line []byte) (ingest.NetworkRequest, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return ingest.NetworkRequest{}, err
	}
	if rec.Initiator == "" && rec.URL == "" {
		return ingest.NetworkRequest{}, fmt.Errorf("record has neither initiator nor url")
	}

	ev := ingest.NetworkRequest{
		Initiator: rec.Initiator,
		URL:       rec.URL,
		Type:      extension.NormalizeResourceType(rec.Type),
	}
	if rec.TimeStamp != nil && *rec.TimeStamp > 0 {
		ev.Timestamp = fromMillis(*rec.TimeStamp)
	}
	return ev, nil
}

func fromMillis(ms float64) time.Time {
	whole, frac := math.Modf(ms)
	return time.UnixMilli(int64(whole)).Add(time.Duration(frac * float64(time.Millisecond))).UTC()
}

// readOffset returns the saved byte offset, or 0 if none was saved.
func readOffset(offsetPath string) (int64, error) {
	data, err := os.ReadFile(offsetPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	offset, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse offset %q: %w", s, err)
	}
	if offset < 0 {
		return 0, nil
	}
	return offset, nil
}

// writeOffsetAtomic replaces offsetPath via a temp-file rename.
func writeOffsetAtomic(offsetPath string, offset int64) error {
	tmpPath := filepath.Join(filepath.Dir(offsetPath), "."+filepath.Base(offsetPath)+".tmp")

	if err := os.WriteFile(tmpPath, []byte(strconv.FormatInt(offset, 10)), 0600); err != nil {
		return fmt.Errorf("write temp offset file: %w", err)
	}
	if err := os.Rename(tmpPath, offsetPath); err != nil {
		return fmt.Errorf("rename offset file: %w", err)
	}
	return nil
}
