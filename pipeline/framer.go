package pipeline

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
	"github.com/khaledhikmat/traffic-go/service/lgr"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const (
	readChunk     = 32 * 1024
	maxFrameBytes = 8 * 1024 * 1024
	stderrTail    = 2048
)

// Mailbox is a single-slot frame buffer: Put overwrites whatever has not
// been read yet, Next takes the pending frame or waits for one.
type Mailbox struct {
	timeout time.Duration
	notify  chan struct{}

	mu      sync.Mutex
	pending *FrameData
	err     error
}

func NewMailbox(timeout time.Duration) *Mailbox {
	return &Mailbox{
		timeout: timeout,
		notify:  make(chan struct{}, 1),
	}
}

// Put replaces the pending frame.
func (m *Mailbox) Put(frame FrameData) {
	m.mu.Lock()
	m.pending = &frame
	m.mu.Unlock()
	m.signal()
}

// Fail records the terminal error returned once no frame is pending.
// Only the first call has an effect.
func (m *Mailbox) Fail(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	m.signal()
}

func (m *Mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Next returns the pending frame. Without one it waits until a frame
// arrives, the mailbox fails, ctx ends or the decode timeout elapses.
func (m *Mailbox) Next(ctx context.Context) (FrameData, error) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.pending != nil {
			frame := *m.pending
			m.pending = nil
			m.mu.Unlock()
			return frame, nil
		}
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return FrameData{}, err
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return FrameData{}, ctx.Err()
		case <-m.notify:
		case <-timer.C:
			return FrameData{}, xerrors.Errorf("no frame within %v: %w", m.timeout, model.ErrDecode)
		}
	}
}

// OpenWithin runs a blocking open in the background and gives up once ctx
// ends or timeout elapses. A result that arrives after that is released.
func OpenWithin[T any](ctx context.Context, timeout time.Duration, open func() (T, error), release func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	results := make(chan result, 1)
	go func() {
		v, err := open()
		results <- result{v, err}
	}()

	abandon := func() {
		go func() {
			if res := <-results; res.err == nil {
				release(res.v)
			}
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case res := <-results:
		return res.v, res.err
	case <-ctx.Done():
		abandon()
		return zero, ctx.Err()
	case <-timer.C:
		abandon()
		return zero, xerrors.Errorf("open did not finish within %v: %w", timeout, model.ErrDecode)
	}
}

// FFmpegFramer decodes stream addresses with an ffmpeg subprocess writing
// MJPEG to its stdout.
type FFmpegFramer struct {
	path    string
	fps     int
	timeout time.Duration
}

func NewFFmpegFramer(cfgSvc config.IService) *FFmpegFramer {
	fps := cfgSvc.GetRelayFPS()
	if fps <= 0 {
		fps = 1
	}
	return &FFmpegFramer{
		path:    cfgSvc.GetFFmpegPath(),
		fps:     fps,
		timeout: cfgSvc.GetDecodeTimeout(),
	}
}

func (f *FFmpegFramer) args(address string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", address,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-r", strconv.Itoa(f.fps),
		"-q:v", "5",
		"-",
	}
}

func (f *FFmpegFramer) Open(ctx context.Context, address string) (FrameHandle, error) {
	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, f.path, f.args(address)...)
	cmd.WaitDelay = 2 * time.Second

	stderr := &tailWriter{max: stderrTail}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, xerrors.Errorf("ffmpeg stdout: %v: %w", err, model.ErrDecode)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, xerrors.Errorf("start %s: %v: %w", f.path, err, model.ErrDecode)
	}

	lgr.Logger.Debug(
		"ffmpeg started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("fps", f.fps),
	)

	wait := func() error {
		if err := cmd.Wait(); err != nil {
			if tail := stderr.String(); tail != "" {
				return xerrors.Errorf("%v: %s", err, tail)
			}
			return err
		}
		return nil
	}
	return newPipeHandle(stdout, f.timeout, wait, cancel), nil
}

// pipeHandle reads concatenated JPEGs from r into a mailbox.
type pipeHandle struct {
	box    *Mailbox
	cancel func()
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newPipeHandle(r io.Reader, timeout time.Duration, wait func() error, cancel func()) *pipeHandle {
	h := &pipeHandle{
		box:    NewMailbox(timeout),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.read(r, wait)
	return h
}

func (h *pipeHandle) read(r io.Reader, wait func() error) {
	defer close(h.done)

	var seq uint64
	readErr := readJPEGs(r, func(frame []byte) {
		seq++
		h.box.Put(FrameData{Data: frame, Timestamp: time.Now(), Seq: seq})
	})
	exitErr := wait()

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()

	switch {
	case closed:
		h.box.Fail(xerrors.Errorf("frame handle closed: %w", model.ErrEndOfStream))
	case exitErr != nil:
		h.box.Fail(xerrors.Errorf("decoder exited after %d frames: %v: %w", seq, exitErr, model.ErrDecode))
	case readErr != nil:
		h.box.Fail(xerrors.Errorf("read frames: %v: %w", readErr, model.ErrDecode))
	default:
		h.box.Fail(xerrors.Errorf("stream ended after %d frames: %w", seq, model.ErrEndOfStream))
	}
}

func (h *pipeHandle) Next(ctx context.Context) (FrameData, error) {
	return h.box.Next(ctx)
}

func (h *pipeHandle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.cancel()
		<-h.done
	})
	return nil
}

// readJPEGs splits r on JPEG start/end markers and hands each complete
// image to emit. It returns nil on EOF.
func readJPEGs(r io.Reader, emit func([]byte)) error {
	buf := make([]byte, 0, 1024*1024)
	chunk := make([]byte, readChunk)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				var frame []byte
				frame, buf = extractJPEGFrame(buf)
				if frame == nil {
					break
				}
				emit(frame)
			}
			if len(buf) > maxFrameBytes {
				buf = buf[:0]
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// extractJPEGFrame returns the first complete image in buf and what follows it.
// Bytes before the start marker are dropped.
func extractJPEGFrame(buf []byte) ([]byte, []byte) {
	start := bytes.Index(buf, jpegSOI)
	if start == -1 {
		// Keep a trailing 0xFF that may begin a marker.
		if len(buf) > 0 && buf[len(buf)-1] == 0xFF {
			return nil, buf[len(buf)-1:]
		}
		return nil, buf[:0]
	}

	end := bytes.Index(buf[start+len(jpegSOI):], jpegEOI)
	if end == -1 {
		return nil, buf[start:]
	}
	end += start + len(jpegSOI) + len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	return frame, buf[end:]
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	max int

	mu  sync.Mutex
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(bytes.TrimSpace(w.buf))
}
