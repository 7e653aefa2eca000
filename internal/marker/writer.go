package marker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/stroop/internal/observability"
	"github.com/antoniostano/stroop/internal/reliability"
	"github.com/antoniostano/stroop/internal/schedule"
)

// Options configures a Writer.
type Options struct {
	Encoding Encoding
	// PulseWidth is the pause between the reset byte and the code byte.
	PulseWidth time.Duration
	QueueSize  int
	Clock      schedule.Clock
	Serial     SerialOptions
}

type SerialOptions struct {
	Enabled      bool
	Port         string
	Baud         int
	OpenAttempts int
	// OpenLine defaults to OpenSerial.
	OpenLine func(port string, baud int) (Line, error)
}

// Writer emits markers to the always-on stream and, when a hardware line is
// attached, to the trigger line. Write never blocks on line I/O.
type Writer struct {
	opts    Options
	stream  Stream
	line    Line
	logger  *zap.Logger
	metrics *observability.Metrics

	seq atomic.Uint64

	mu     sync.RWMutex
	closed bool
	queue  chan []byte
	wg     sync.WaitGroup
}

// NewWriter attaches an already opened line; line may be nil.
func NewWriter(opts Options, stream Stream, line Line, logger *zap.Logger, metrics *observability.Metrics) (*Writer, error) {
	enc, err := ParseEncoding(string(opts.Encoding))
	if err != nil {
		return nil, err
	}
	opts.Encoding = enc
	if opts.PulseWidth < 0 {
		return nil, fmt.Errorf("negative pulse width %s", opts.PulseWidth)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Clock == nil {
		opts.Clock = schedule.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		opts:    opts,
		stream:  stream,
		line:    line,
		logger:  logger.Named("marker"),
		metrics: metrics,
	}
	if line != nil {
		w.queue = make(chan []byte, opts.QueueSize)
		w.wg.Add(1)
		go w.drain()
	}
	return w, nil
}

// Open builds a Writer and, when enabled, opens the serial line with
// bounded retries. A line that cannot be opened degrades to stream-only
// markers with a warning.
func Open(ctx context.Context, opts Options, stream Stream, logger *zap.Logger, metrics *observability.Metrics) (*Writer, error) {
	if _, err := ParseEncoding(string(opts.Encoding)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var line Line
	if opts.Serial.Enabled {
		openLine := opts.Serial.OpenLine
		if openLine == nil {
			openLine = OpenSerial
		}
		err := reliability.Retry(ctx, opts.Serial.OpenAttempts, 100*time.Millisecond, time.Second, func(attempt int) error {
			l, err := openLine(opts.Serial.Port, opts.Serial.Baud)
			if err != nil {
				logger.Debug("serial open attempt failed",
					zap.Int("attempt", attempt+1),
					zap.String("port", opts.Serial.Port),
					zap.Error(err),
				)
				return err
			}
			line = l
			return nil
		})
		if err != nil {
			metrics.MarkerFailed("serial_open")
			logger.Warn("marker hardware unavailable, continuing with stream markers only",
				zap.String("port", opts.Serial.Port),
				zap.Error(err),
			)
			line = nil
		} else {
			logger.Info("marker hardware line open",
				zap.String("port", opts.Serial.Port),
				zap.Int("baud", opts.Serial.Baud),
				zap.String("encoding", string(opts.Encoding)),
			)
		}
	}
	return NewWriter(opts, stream, line, logger, metrics)
}

// HasHardware reports whether a trigger line is attached.
func (w *Writer) HasHardware() bool {
	return w.line != nil
}

// Write emits code with label to the stream and queues it for the line.
// An empty label defaults to the decimal code. It returns the number of
// bytes queued for the line, which is 0 without hardware. Delivery errors
// are logged and never returned.
func (w *Writer) Write(code int, label string) int {
	if label == "" {
		label = strconv.Itoa(code)
	}
	sample := Sample{
		Seq:   w.seq.Add(1),
		Code:  code,
		Label: label,
		At:    w.opts.Clock.Now(),
	}
	if w.stream != nil {
		if err := w.stream.Push(sample); err != nil {
			w.metrics.MarkerFailed("stream")
			w.logger.Warn("marker stream push failed",
				zap.Uint64("seq", sample.Seq),
				zap.String("label", label),
				zap.Error(err),
			)
		}
	}
	w.metrics.MarkerWritten(label)
	w.logger.Debug("marker", zap.Int("code", code), zap.String("label", label), zap.Uint64("seq", sample.Seq))

	if w.line == nil {
		return 0
	}
	payload, err := Encode(code, w.opts.Encoding)
	if err != nil {
		w.metrics.MarkerFailed("encode")
		w.logger.Warn("marker not encodable", zap.Int("code", code), zap.Error(err))
		return 0
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return 0
	}
	select {
	case w.queue <- payload:
		return len(payload)
	default:
		w.metrics.MarkerFailed("serial_queue")
		w.logger.Warn("marker line queue full, code dropped", zap.Int("code", code), zap.String("label", label))
		return 0
	}
}

func (w *Writer) drain() {
	defer w.wg.Done()
	reset := []byte{0}
	for payload := range w.queue {
		if _, err := w.line.Write(reset); err != nil {
			w.lineFailed(err)
			continue
		}
		if w.opts.PulseWidth > 0 {
			time.Sleep(w.opts.PulseWidth)
		}
		if _, err := w.line.Write(payload); err != nil {
			w.lineFailed(err)
		}
	}
}

func (w *Writer) lineFailed(err error) {
	w.metrics.MarkerFailed("serial")
	w.logger.Warn("marker line write failed", zap.Error(err))
}

// Close flushes queued codes to the line and closes it. Stream markers keep
// working after Close.
func (w *Writer) Close() error {
	if w.line == nil {
		return nil
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
	return w.line.Close()
}
