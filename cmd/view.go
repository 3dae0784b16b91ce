package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/babelcloud/adaptive-stream/config"
	"github.com/babelcloud/adaptive-stream/internal/channel"
	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/playback"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/session"
	"github.com/babelcloud/adaptive-stream/internal/signaling"
	"github.com/babelcloud/adaptive-stream/internal/source"
	"github.com/babelcloud/adaptive-stream/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type ViewOptions struct {
	URL      string
	Mode     string
	Quality  string
	Source   string
	Speed    float64
	WebRTC   string
	Snapshot string
	Duration time.Duration
}

func NewViewCommand() *cobra.Command {
	opts := &ViewOptions{}

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Watch a stream and adapt its quality to the network",
		Long: `Connect to a stream server as a headless viewer. Frames are buffered and
rendered at the stream frame rate; in adaptive mode the network is sampled
periodically and the server is asked to switch quality accordingly.`,
		Example: `  # Adaptive viewer against the configured server
  astream view --mode adaptive

  # Manual high quality over a WebRTC data channel, saving the last frame
  astream view --quality high --webrtc http --snapshot frame.jpg

  # Watch the camera source for ten seconds
  astream view --source camera --duration 10s`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runView(cmd, opts)
		},
	}

	flags := cmd.Flags()
	addURLFlag(cmd, &opts.URL)
	flags.StringVarP(&opts.Mode, "mode", "m", "", "Control mode (manual, adaptive)")
	flags.StringVarP(&opts.Quality, "quality", "q", "", "Quality in manual mode (low, medium, high)")
	flags.StringVarP(&opts.Source, "source", "s", "", "Stream source (camera, video)")
	flags.Float64Var(&opts.Speed, "speed", 1, "Playback speed (0.5, 1, 1.5, 2)")
	flags.StringVar(&opts.WebRTC, "webrtc", "off", "Receive frames over WebRTC, signaled via http or channel")
	flags.StringVar(&opts.Snapshot, "snapshot", "", "Write the most recent rendered frame to this JPEG file")
	flags.DurationVarP(&opts.Duration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")

	cmd.RegisterFlagCompletionFunc("mode", fixedCompletion("manual", "adaptive"))
	cmd.RegisterFlagCompletionFunc("quality", fixedCompletion("low", "medium", "high"))
	cmd.RegisterFlagCompletionFunc("source", fixedCompletion("camera", "video"))
	cmd.RegisterFlagCompletionFunc("webrtc", fixedCompletion("off", "http", "channel"))

	return cmd
}

// viewPlan is the validated form of ViewOptions.
type viewPlan struct {
	mode    *quality.Mode
	level   *quality.Level
	source  *source.Kind
	speed   playback.Speed
	webrtc  string
	timeout time.Duration
}

func (o *ViewOptions) plan() (viewPlan, error) {
	p := viewPlan{webrtc: o.WebRTC, timeout: o.Duration}
	if o.Mode != "" {
		m, err := quality.ParseMode(o.Mode)
		if err != nil {
			return p, err
		}
		p.mode = &m
	}
	if o.Quality != "" {
		l, err := quality.ParseLevel(o.Quality)
		if err != nil {
			return p, err
		}
		if p.mode != nil && *p.mode == quality.Adaptive {
			return p, errors.New("--quality cannot be combined with --mode adaptive")
		}
		p.level = &l
	}
	if o.Source != "" {
		k, err := source.ParseKind(o.Source)
		if err != nil {
			return p, err
		}
		p.source = &k
	}
	sp, err := playback.ParseSpeed(o.Speed)
	if err != nil {
		return p, err
	}
	p.speed = sp
	switch o.WebRTC {
	case "off", "http", "channel":
	default:
		return p, errors.Errorf("invalid --webrtc %q, want off, http or channel", o.WebRTC)
	}
	if o.Duration < 0 {
		return p, errors.New("--duration must not be negative")
	}
	return p, nil
}

// frameRecorder is the render surface of the CLI viewer. It keeps the most
// recent frame for the snapshot file.
type frameRecorder struct {
	rendered atomic.Uint64
	mu       sync.Mutex
	last     []byte
}

func (r *frameRecorder) Render(f playback.Frame) {
	r.rendered.Add(1)
	r.mu.Lock()
	r.last = f.Payload
	r.mu.Unlock()
}

func (r *frameRecorder) lastFrame() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// writeSnapshot replaces path atomically with the last rendered frame.
func (r *frameRecorder) writeSnapshot(path string) error {
	frame := r.lastFrame()
	if path == "" || frame == nil {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".astream-snapshot-*")
	if err != nil {
		return errors.Wrap(err, "failed to create snapshot")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(frame); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to write snapshot")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "failed to write snapshot")
}

func runView(cmd *cobra.Command, opts *ViewOptions) error {
	p, err := opts.plan()
	if err != nil {
		return err
	}
	cfg, err := config.GetSessionConfig()
	if err != nil {
		return err
	}
	if p.mode != nil {
		cfg.Controller.InitialMode = *p.mode
	}
	if p.level != nil {
		cfg.Controller.InitialMode = quality.Manual
		cfg.Controller.InitialLevel = *p.level
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	base := serverURL(opts.URL)
	conn, err := channel.Dial(ctx, base, nil)
	if err != nil {
		return err
	}
	sampler, err := netquality.NewSampler(base, config.GetSamplerConfig(), nil)
	if err != nil {
		conn.Close()
		return err
	}

	recorder := &frameRecorder{}
	s := session.New(conn, sampler, recorder, cfg)
	defer s.Close()

	updates := make(chan session.Update, 32)
	unsubscribe := s.Subscribe(func(u session.Update) {
		select {
		case updates <- u:
		default:
		}
	})
	defer unsubscribe()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()
	<-s.Started()

	if err := applyPlan(ctx, s, p, base); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printer := newStatusPrinter(out)
	util.GetLogger().Debug("Viewer started", "url", base, "session", s.ID())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case u := <-updates:
			printer.event(u)
		case <-ticker.C:
			st, err := s.Snapshot(ctx)
			if err == nil {
				printer.status(st)
			}
			if err := recorder.writeSnapshot(opts.Snapshot); err != nil {
				util.GetLogger().Warn("Snapshot failed", "error", err)
			}
		case err := <-runErr:
			printer.done(recorder.rendered.Load())
			if serr := recorder.writeSnapshot(opts.Snapshot); serr != nil {
				return serr
			}
			if errors.Is(err, session.ErrDisconnected) {
				return errors.Wrap(err, "stream server went away")
			}
			return err
		}
	}
}

func applyPlan(ctx context.Context, s *session.Session, p viewPlan, base string) error {
	// The controller already starts at the requested level, so nothing is
	// sent over the channel for it; the server is told directly.
	if p.level != nil {
		if _, err := postCommand(base + "/api/set-quality/" + p.level.String()); err != nil {
			return errors.Wrap(err, "failed to set quality")
		}
	}
	if p.source != nil {
		if err := s.SetSource(ctx, *p.source); err != nil {
			return errors.Wrap(err, "failed to set source")
		}
	}
	if p.speed != 1 {
		if err := s.SetSpeed(ctx, p.speed); err != nil {
			return errors.Wrap(err, "failed to set speed")
		}
	}

	var sig signaling.Signaler
	switch p.webrtc {
	case "off":
		return nil
	case "http":
		h, err := signaling.NewHTTPSignaler(base, nil)
		if err != nil {
			return err
		}
		sig = h
	}
	return errors.Wrap(s.StartWebRTC(ctx, sig), "failed to start WebRTC")
}

// statusPrinter redraws a single status line on terminals and prints a line
// every few seconds otherwise.
type statusPrinter struct {
	out   io.Writer
	tty   bool
	ticks int
}

func newStatusPrinter(out io.Writer) *statusPrinter {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &statusPrinter{out: out, tty: tty}
}

func (p *statusPrinter) line(st session.Status) string {
	q := color.CyanString(st.Quality.String())
	if st.ActiveQuality != st.Quality {
		q += color.YellowString(" (server %s)", st.ActiveQuality)
	}
	s := fmt.Sprintf("%s %s | %s | frame %d/%d %s | buffer %d/%d",
		st.Mode, q, st.Source, st.Playback.CurrentFrame, st.Playback.TotalFrames,
		st.Playback.Speed, st.BufferLen, st.BufferCap)
	if st.HasSample {
		s += fmt.Sprintf(" | %.1f Mbps %.0f ms %.1f%% loss", st.Latest.BandwidthMbps, st.Latest.LatencyMs, st.Latest.PacketLossPct)
	}
	if st.Signaling != signaling.StateNew {
		s += " | webrtc " + st.Signaling.String()
	}
	return s
}

func (p *statusPrinter) status(st session.Status) {
	if p.tty {
		fmt.Fprintf(p.out, "\r\033[K%s", p.line(st))
		return
	}
	p.ticks++
	if p.ticks%5 == 1 {
		fmt.Fprintln(p.out, p.line(st))
	}
}

func (p *statusPrinter) event(u session.Update) {
	var msg string
	switch u.Kind {
	case session.UpdateQuality:
		msg = fmt.Sprintf("quality -> %s (%s)", color.CyanString(u.Status.Quality.String()), u.Status.Mode)
	case session.UpdateSignaling:
		msg = "webrtc " + u.Status.Signaling.String()
		if u.Err != nil {
			msg = color.RedString("%s: %v", msg, u.Err)
		}
	case session.UpdateConnection:
		if u.Status.Connected {
			return
		}
		msg = color.YellowString("disconnected")
	case session.UpdateError:
		msg = color.RedString("%v", u.Err)
	default:
		return
	}
	if p.tty {
		fmt.Fprint(p.out, "\r\033[K")
	}
	fmt.Fprintln(p.out, msg)
}

func (p *statusPrinter) done(rendered uint64) {
	if p.tty {
		fmt.Fprintln(p.out)
	}
	fmt.Fprintf(p.out, "%s rendered %d frames\n", color.GreenString("✓"), rendered)
}
