package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"smartsend/internal/app"
	"smartsend/internal/config"
	"smartsend/internal/template"
	"smartsend/internal/timing"
	"smartsend/internal/transport"
	"smartsend/pkg/logx"
	"smartsend/pkg/systemd"
)

type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }
func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	var (
		cfgPath   string
		campaigns fileList
		validate  bool
		estimate  bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.Var(&campaigns, "campaign", "campaign file to launch (repeatable)")
	flag.BoolVar(&validate, "validate", false, "check campaign templates and recipients, then exit")
	flag.BoolVar(&estimate, "estimate", false, "print pacing estimate for each campaign, then exit")
	flag.Parse()
	campaigns = append(campaigns, flag.Args()...)

	if validate || estimate {
		os.Exit(inspect(cfgPath, campaigns, validate, estimate))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	log := a.Logger()

	loaded := make([]*app.Campaign, 0, len(campaigns))
	for _, p := range campaigns {
		c, err := app.LoadCampaign(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		loaded = append(loaded, c)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	for _, c := range loaded {
		id, err := a.Launch(c)
		if err != nil {
			log.Error("campaign launch failed", logx.Campaign(c.Name), logx.Err(err))
			continue
		}
		if id == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := a.Settle(ctx, id)
			if err != nil {
				return
			}
			log.Info("campaign finished",
				logx.Campaign(c.Name),
				logx.String("status", string(sum.Status)),
				logx.Int("sent", sum.Sent),
				logx.Int("failed", sum.Failed),
			)
		}()
	}

	// Without schedules the process exits once every launched batch has
	// ended and its automatic retries have run.
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		if len(a.Runner().Entries()) == 0 {
			close(finished)
		}
	}()

	systemd.Ready()
	go func() { _ = systemd.Watchdog(ctx) }()

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, append([]os.Signal{os.Interrupt, syscall.SIGTERM}, controlSignals...)...)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
loop:
	for {
		select {
		case sig := <-sigs:
			switch {
			case sig == os.Interrupt:
				reason = app.StopSIGINT
				break loop
			case sig == syscall.SIGTERM:
				reason = app.StopSIGTERM
				break loop
			case isPauseSignal(sig):
				n, err := a.TogglePause()
				log.Info("pause toggled", logx.Int("batches", n), logx.Err(err))
			case isRetrySignal(sig):
				log.Info("failed items re-queued", logx.Int("items", a.RetryAllFailed()))
			}
		case <-finished:
			reason = app.StopCompleted
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			if err := a.Err(); err != nil {
				log.Error("fatal", logx.Err(err))
			}
			break loop
		}
	}

	systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

// inspect runs the offline checks and returns the exit code.
func inspect(cfgPath string, campaigns []string, validate, estimate bool) int {
	def := timing.Policy{}
	if cfg, err := config.NewManager(cfgPath).Load(); err == nil {
		def, _ = cfg.DefaultPolicy()
	} else if errors.Is(err, os.ErrNotExist) {
		def, _ = timing.Parse(config.DefaultTiming)
	} else {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	if len(campaigns) == 0 {
		fmt.Fprintln(os.Stderr, "no campaign given")
		return 2
	}

	code := 0
	for _, p := range campaigns {
		c, err := app.LoadCampaign(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			code = 1
			continue
		}
		rcpts, skipped, err := c.LoadRecipients()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", c.Name, err)
			code = 1
			continue
		}
		fmt.Printf("%s: %d recipients (%d rows skipped)\n", c.Name, len(rcpts), skipped)

		if validate {
			issues := c.Validate(rcpts)
			for _, is := range issues {
				fmt.Printf("  %s\n", is)
			}
			if issues.HasErrors() {
				code = 1
			} else if len(rcpts) > 0 {
				eng := template.New()
				prog, _ := eng.Compile(c.Template)
				samples, _ := eng.Preview(c.Template, rcpts[0], c.Context, 3)
				fmt.Printf("  %d variants, sample for %s:\n", prog.Variants(10000), transport.Mask(rcpts[0].Address()))
				for _, s := range samples {
					fmt.Printf("    %s\n", s)
				}
			}
		}
		if estimate {
			pol, err := c.Policy(def)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", c.Name, err)
				code = 1
				continue
			}
			r := pol.Estimate(len(rcpts))
			fmt.Printf("  timing %s: avg %.1fs, ~%s total, %.1f msg/min (%s)\n",
				pol, r.AverageDelaySeconds, r.ExpectedDuration().Round(time.Second), r.MessagesPerMinute, r.Safety)
		}
	}
	return code
}
