package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/avatarlink/internal/app"
	"github.com/ent0n29/avatarlink/internal/auth"
	"github.com/ent0n29/avatarlink/internal/avatar"
	"github.com/ent0n29/avatarlink/internal/config"
	"github.com/ent0n29/avatarlink/internal/log"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/streaminfo"
)

type options struct {
	texts       []string
	count       int
	interval    time.Duration
	linkTimeout time.Duration
	hold        time.Duration
	verbose     bool
}

var defaultTexts = []string{
	"你好，欢迎使用虚拟人服务。",
	"Hello, this is a link check.",
	"Latency probe complete.",
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "avatarprobe: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "avatarprobe: %v\n", err)
		os.Exit(2)
	}
	level := "warn"
	if opts.verbose {
		level = "info"
	}
	log.Configure(log.Config{Level: level, Output: os.Stderr, Service: "avatarprobe"})

	rep, err := run(context.Background(), cfg, opts)
	if encErr := writeReport(os.Stdout, rep); encErr != nil {
		fmt.Fprintf(os.Stderr, "avatarprobe: %v\n", encErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "avatarprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("avatarprobe", flag.ContinueOnError)
	var opts options
	var textsRaw string
	fs.StringVar(&textsRaw, "texts", "", "driver texts separated by '|' (optional)")
	fs.IntVar(&opts.count, "count", 3, "number of driver texts to send")
	fs.DurationVar(&opts.interval, "interval", 500*time.Millisecond, "delay between driver texts")
	fs.DurationVar(&opts.linkTimeout, "link-timeout", 15*time.Second, "time to wait for stream_info")
	fs.DurationVar(&opts.hold, "hold", 2*time.Second, "time to keep the session open after the last text")
	fs.BoolVar(&opts.verbose, "verbose", false, "log session progress to stderr")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.count < 0 {
		return options{}, errors.New("count must be >= 0")
	}
	if opts.interval < 0 || opts.hold < 0 {
		return options{}, errors.New("interval and hold must be >= 0")
	}
	if opts.linkTimeout <= 0 {
		return options{}, errors.New("link-timeout must be > 0")
	}
	opts.texts = splitTexts(textsRaw)
	if len(opts.texts) == 0 {
		opts.texts = defaultTexts
	}
	return opts, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type report struct {
	SessionID     string                   `json:"session_id"`
	ConnectMS     float64                  `json:"connect_ms"`
	LinkMS        float64                  `json:"open_to_link_ms"`
	Linked        bool                     `json:"linked"`
	TextsSent     int                      `json:"texts_sent"`
	TextsRejected map[string]int           `json:"texts_rejected,omitempty"`
	SendMS        []float64                `json:"enqueue_to_send_ms,omitempty"`
	Heartbeats    int                      `json:"heartbeats"`
	FinalState    string                   `json:"final_state"`
	Stream        *streaminfo.PlayerConfig `json:"stream,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

// probeObserver records the timings one probe run reports.
type probeObserver struct {
	mu         sync.Mutex
	connect    time.Duration
	link       time.Duration
	sends      []time.Duration
	heartbeats int
}

func (o *probeObserver) ObserveState(string)           {}
func (o *probeObserver) ObserveMessage(string, string) {}
func (o *probeObserver) ObserveDrop(string)            {}
func (o *probeObserver) ObserveClose(string)           {}

func (o *probeObserver) ObserveHeartbeat() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.heartbeats++
}

func (o *probeObserver) ObserveStage(stage string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch stage {
	case observability.StageConnect:
		o.connect = d
	case observability.StageOpenToLink:
		o.link = d
	case observability.StageEnqueueToSend:
		o.sends = append(o.sends, d)
	}
}

func (o *probeObserver) fill(rep *report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rep.ConnectMS = ms(o.connect)
	rep.LinkMS = ms(o.link)
	rep.Heartbeats = o.heartbeats
	for _, d := range o.sends {
		rep.SendMS = append(rep.SendMS, ms(d))
	}
}

func run(ctx context.Context, cfg config.Config, opts options) (report, error) {
	signed, err := auth.SignURL(cfg.AvatarWSURL, http.MethodGet, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return report{Error: err.Error()}, err
	}

	obs := &probeObserver{}
	events := avatar.NewChannelSink(4)
	client := avatar.New(app.ClientConfig(cfg, signed), events, obs)
	rep := report{SessionID: client.ID(), TextsRejected: map[string]int{}}

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	finish := func(runErr error) (report, error) {
		client.Stop()
		if err := <-runDone; err != nil && runErr == nil {
			runErr = err
		}
		obs.fill(&rep)
		rep.FinalState = client.State().String()
		if len(rep.TextsRejected) == 0 {
			rep.TextsRejected = nil
		}
		if runErr != nil {
			rep.Error = runErr.Error()
		}
		return rep, runErr
	}

	linkTimer := time.NewTimer(opts.linkTimeout)
	defer linkTimer.Stop()
	select {
	case frame := <-events.Events():
		rep.Linked = true
		if player, err := streaminfo.FromFrame([]byte(frame)); err == nil {
			rep.Stream = &player
		}
	case <-client.Done():
		return finish(fmt.Errorf("session ended before link (%s)", client.State()))
	case <-linkTimer.C:
		return finish(fmt.Errorf("no stream_info within %s", opts.linkTimeout))
	}

	for i := 0; i < opts.count; i++ {
		if i > 0 && !sleep(client.Done(), opts.interval) {
			break
		}
		text := opts.texts[i%len(opts.texts)]
		if err := client.Enqueue(text); err != nil {
			rep.TextsRejected[err.Error()]++
			continue
		}
		rep.TextsSent++
	}
	sleep(client.Done(), opts.hold)
	return finish(nil)
}

// sleep waits for d and reports false if done closed first.
func sleep(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}

func writeReport(w io.Writer, rep report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
