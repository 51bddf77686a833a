// Package printer streams toolpaths to a Marlin-style printer controller
// over a serial line and reports when the printer has drained its queue.
package printer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"print-sentinel/internal/gcode"
	"print-sentinel/internal/timeutil"

	"go.uber.org/zap"
)

var (
	// ErrDisconnected is returned once the serial link is lost.
	ErrDisconnected = errors.New("printer disconnected")
	// ErrNotOnline is returned when the controller never answers the
	// handshake.
	ErrNotOnline = errors.New("printer not online")
)

// historySize bounds how far back a resend request can reach.
const historySize = 512

// Options configures the printer link.
type Options struct {
	OnlineTimeout time.Duration // handshake deadline
	PollInterval  time.Duration // first handshake and WaitIdle backoff step
	MaxPoll       time.Duration // handshake and WaitIdle backoff ceiling
	Clock         timeutil.Clock
	Logger        *zap.Logger
}

// DefaultOptions returns default link options.
func DefaultOptions() Options {
	return Options{
		OnlineTimeout: 30 * time.Second,
		PollInterval:  100 * time.Millisecond,
		MaxPoll:       time.Second,
	}
}

// Printer owns one serial connection. A reader goroutine parses controller
// replies and a streamer goroutine sends one numbered line at a time,
// waiting for "ok" before the next.
type Printer struct {
	port   io.ReadWriteCloser
	opts   Options
	clock  timeutil.Clock
	logger *zap.Logger

	mu         sync.Mutex
	online     bool
	queue      []string
	history    map[int]string
	nextNum    int
	resend     bool // resendFrom is pending
	resendFrom int
	inFlight   bool
	err        error

	acks    chan struct{}
	wake    chan struct{}
	done    chan struct{}
	dead    chan struct{}
	onlineC chan struct{}

	closeOnce sync.Once
	deadOnce  sync.Once
	wg        sync.WaitGroup
}

// New starts the reader and streamer on an open port. Call Connect before
// sending.
func New(port io.ReadWriteCloser, opts Options) *Printer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.MaxPoll <= 0 {
		opts.MaxPoll = DefaultOptions().MaxPoll
	}
	if opts.OnlineTimeout <= 0 {
		opts.OnlineTimeout = DefaultOptions().OnlineTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Printer{
		port:    port,
		opts:    opts,
		clock:   clock,
		logger:  logger,
		history: make(map[int]string),
		acks:    make(chan struct{}, 1),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		dead:    make(chan struct{}),
		onlineC: make(chan struct{}),
	}

	p.wg.Add(2)
	go p.readLoop()
	go p.streamLoop()
	return p
}

// Connect polls the controller with M105 until it answers, then resets the
// line numbering with M110. Polls back off from PollInterval to MaxPoll and
// the OnlineTimeout deadline is measured on the link's clock.
func (p *Printer) Connect(ctx context.Context) error {
	deadline := p.clock.Now().Add(p.opts.OnlineTimeout)
	backoff := timeutil.Backoff{Initial: p.opts.PollInterval, Max: p.opts.MaxPoll}

	for {
		if _, err := io.WriteString(p.port, "M105\n"); err != nil {
			p.fail(err)
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		wait := backoff.Next()
		if left := deadline.Sub(p.clock.Now()); left < wait {
			wait = left
		}
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return err
		}

		select {
		case <-p.onlineC:
			p.logger.Info("printer online")
			p.mu.Lock()
			// Numbered from -1 so that M110 goes out as "N-1 M110" and the
			// first toolpath line is N0.
			p.nextNum = -1
			p.queue = append(p.queue, "M110")
			p.mu.Unlock()
			p.kick()
			return nil
		case <-p.dead:
			return p.deadErr()
		default:
		}

		if !p.clock.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrNotOnline, p.opts.OnlineTimeout)
		}
	}
}

// Send queues the command lines of a toolpath. Comments and blank lines are
// dropped. Streaming starts immediately; Send does not wait for completion.
func (p *Printer) Send(ctx context.Context, lines []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return p.deadErr()
	}
	if !p.online {
		p.mu.Unlock()
		return ErrNotOnline
	}
	n := 0
	for _, line := range lines {
		if cmd := gcode.StripComment(line); cmd != "" {
			p.queue = append(p.queue, cmd)
			n++
		}
	}
	p.mu.Unlock()

	p.logger.Debug("toolpath queued", zap.Int("lines", n))
	p.kick()
	return nil
}

// IsIdle reports whether every queued line has been acknowledged.
func (p *Printer) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) == 0 && !p.inFlight && !p.resend
}

// WaitIdle blocks until the printer is idle, the link fails or ctx is done.
func (p *Printer) WaitIdle(ctx context.Context) error {
	backoff := timeutil.Backoff{Initial: p.opts.PollInterval, Max: p.opts.MaxPoll}
	for {
		select {
		case <-p.dead:
			return p.deadErr()
		default:
		}
		if p.IsIdle() {
			return nil
		}
		if err := p.clock.Sleep(ctx, backoff.Next()); err != nil {
			return err
		}
	}
}

// Close stops both goroutines and closes the port.
func (p *Printer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.port.Close()
		p.wg.Wait()
	})
	return err
}

func (p *Printer) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Printer) fail(err error) {
	p.deadOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.dead)
	})
}

func (p *Printer) deadErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil || errors.Is(p.err, io.EOF) {
		return ErrDisconnected
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, p.err)
}

func (p *Printer) readLoop() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.port)
	for scanner.Scan() {
		p.handleReply(strings.TrimSpace(scanner.Text()))
	}

	select {
	case <-p.done:
		return
	default:
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	p.logger.Warn("serial link lost", zap.Error(err))
	p.fail(err)
}

func (p *Printer) handleReply(line string) {
	lower := strings.ToLower(line)
	switch {
	case line == "":
	case strings.HasPrefix(lower, "ok"), strings.HasPrefix(lower, "start"):
		p.mu.Lock()
		if !p.online {
			p.online = true
			close(p.onlineC)
		}
		inFlight := p.inFlight
		p.mu.Unlock()
		if inFlight && strings.HasPrefix(lower, "ok") {
			select {
			case p.acks <- struct{}{}:
			default:
			}
		}
	case strings.HasPrefix(lower, "resend:"), strings.HasPrefix(lower, "rs "):
		n, err := parseResend(line)
		if err != nil {
			p.logger.Warn("unparsable resend request", zap.String("reply", line))
			return
		}
		p.logger.Debug("resend requested", zap.Int("line", n))
		p.mu.Lock()
		p.resend, p.resendFrom = true, n
		p.mu.Unlock()
	case strings.HasPrefix(lower, "error"):
		p.logger.Warn("printer error", zap.String("reply", line))
	default:
		p.logger.Debug("printer reply", zap.String("reply", line))
	}
}

func (p *Printer) streamLoop() {
	defer p.wg.Done()

	for {
		payload, ok := p.nextPayload()
		if !ok {
			select {
			case <-p.done:
				return
			case <-p.dead:
				return
			case <-p.wake:
			}
			continue
		}

		if _, err := io.WriteString(p.port, payload); err != nil {
			select {
			case <-p.done:
			default:
				p.fail(err)
			}
			return
		}

		select {
		case <-p.done:
			return
		case <-p.dead:
			return
		case <-p.acks:
		}
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}
}

// nextPayload picks a pending resend or the next queued command and marks
// it in flight.
func (p *Printer) nextPayload() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resend {
		n := p.resendFrom
		if cmd, ok := p.history[n]; ok {
			p.resendFrom = n + 1
			p.resend = p.resendFrom < p.nextNum
			p.inFlight = true
			return Frame(n, cmd), true
		}
		p.logger.Warn("resend requested for unknown line", zap.Int("line", n))
		p.resend = false
	}

	if len(p.queue) == 0 {
		return "", false
	}
	cmd := p.queue[0]
	p.queue = p.queue[1:]
	n := p.nextNum
	p.nextNum++
	p.history[n] = cmd
	delete(p.history, n-historySize)
	p.inFlight = true
	return Frame(n, cmd), true
}

// Frame numbers a command and appends its checksum, the XOR of every byte
// before '*'.
func Frame(n int, cmd string) string {
	body := "N" + strconv.Itoa(n) + " " + cmd
	return body + "*" + strconv.Itoa(int(Checksum(body))) + "\n"
}

// Checksum is the XOR of all bytes of s.
func Checksum(s string) byte {
	var cs byte
	for i := 0; i < len(s); i++ {
		cs ^= s[i]
	}
	return cs
}

func parseResend(line string) (int, error) {
	idx := strings.IndexAny(line, ": ")
	if idx < 0 {
		return 0, fmt.Errorf("no line number")
	}
	fields := strings.Fields(strings.TrimLeft(line[idx+1:], ": "))
	if len(fields) == 0 {
		return 0, fmt.Errorf("no line number")
	}
	return strconv.Atoi(strings.TrimPrefix(strings.ToUpper(fields[0]), "N"))
}
