package transport

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/joestump/agentmux/internal/config"
	"github.com/joestump/agentmux/internal/hub"
	"github.com/joestump/agentmux/internal/protocol"
	"github.com/joestump/agentmux/internal/server"
)

// StdioRunner carries newline-delimited JSON frames over a reader/writer
// pair, one frame per line. It attaches to the hub like any other
// connection, so broadcasts and session events interleave with responses
// on stdout.
type StdioRunner struct {
	cfg config.Config
	mgr *server.Manager
	log zerolog.Logger
	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
}

// NewStdioRunner creates the stdio transport over the given streams.
func NewStdioRunner(cfg config.Config, mgr *server.Manager, in io.Reader, out io.Writer, log zerolog.Logger) *StdioRunner {
	return &StdioRunner{cfg: cfg, mgr: mgr, log: log, in: in, out: out}
}

// Run reads frames until EOF or context cancellation. The stdio connection
// occupies a connection slot like a socket client does.
func (r *StdioRunner) Run(ctx context.Context) error {
	if !r.mgr.Governor().TryReserveConnectionSlot() {
		r.writeLine([]byte(`{"type":"response","command":"unknown","success":false,"error":"connection limit reached"}`))
		return nil
	}
	defer r.mgr.Governor().ReleaseConnectionSlot()

	sub := r.mgr.Hub().Attach("stdio")
	defer r.mgr.Hub().Detach(sub)

	// Single writer: hub frames and command responses both flow through
	// the subscriber channel.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range sub.Frames() {
			r.writeLine(frame)
		}
	}()

	r.mgr.Hub().SendTo(sub, serverReadyFrame())

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), int(r.cfg.MaxMessageBytes)+4096)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			r.handleLine(ctx, line, sub)
		}
	}
}

func (r *StdioRunner) handleLine(ctx context.Context, line []byte, sub *hub.Subscriber) {
	if len(line) == 0 {
		return
	}
	if d := r.mgr.Governor().CanAcceptMessage(float64(len(line))); !d.Allowed {
		r.mgr.Hub().SendTo(sub, protocol.ParseErrorResponse(d.Reason))
		return
	}
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		r.mgr.Hub().SendTo(sub, protocol.ParseErrorResponse(err.Error()))
		return
	}
	go func() {
		resp := r.mgr.Execute(ctx, cmd, sub)
		r.mgr.Hub().SendTo(sub, resp)
	}()
}

func (r *StdioRunner) writeLine(frame []byte) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.out.Write(frame); err != nil {
		r.log.Debug().Err(err).Msg("stdio write failed")
		return
	}
	_, _ = r.out.Write([]byte("\n"))
}
