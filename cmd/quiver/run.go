package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

func runCmd() *cli.Command {
	var (
		prompt       string
		imagePath    string
		livePrint    bool
		continueMode bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: concat(commonModelFlags(), runtimeFlags(), loggingFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Value:       "Hi",
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "image",
				Aliases:     []string{"i"},
				Usage:       "image file or directory of frames for a vision prompt",
				Destination: &imagePath,
			},
			&cli.BoolFlag{
				Name:        "live-print",
				Usage:       "print tokens as they are generated",
				Destination: &livePrint,
			},
			&cli.BoolFlag{
				Name:        "continue",
				Usage:       "read prompts from stdin, keeping the context between turns",
				Destination: &continueMode,
			},
		}),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger.Setup(cfg.LogLevel, cfg.LogFormat)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer rt.Close(context.Background())

			s := &session{rt: rt, live: livePrint, out: os.Stdout, errOut: os.Stderr}
			stop := s.handleInterrupts(cancel)
			defer stop()

			if !continueMode {
				_, err := s.turn(ctx, prompt, imagePath)
				return err
			}
			return s.loop(ctx, os.Stdin, imagePath)
		},
	}
}

// session is one interactive or single-shot run on a runtime.
type session struct {
	rt     *runtime
	live   bool
	out    io.Writer
	errOut io.Writer
	busy   atomic.Bool
}

func (s *session) diag(err error) {
	w := s.errOut
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintln(w, err)
}

// handleInterrupts turns SIGINT into a cooperative stop while a request is
// running. Outside a request it cancels the session and closes stdin so the
// prompt read returns.
func (s *session) handleInterrupts(cancel context.CancelFunc) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sig:
				if s.busy.Load() {
					logger.Log.Info("stopping current request")
					s.rt.eng.Stop()
					continue
				}
				cancel()
				_ = os.Stdin.Close()
				return
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

func (s *session) turn(ctx context.Context, text, images string) (*engine.Result, error) {
	var stream func(engine.Chunk)
	if s.live {
		stream = func(c engine.Chunk) { fmt.Fprint(s.out, c.Text) }
	}

	s.busy.Store(true)
	res, err := s.rt.generate(ctx, text, images, stream)
	s.busy.Store(false)
	if err != nil {
		return res, err
	}
	if !s.live {
		fmt.Fprint(s.out, res.Text)
	}
	fmt.Fprintln(s.out)
	logger.Log.Info("generation done",
		"reason", string(res.Reason),
		"tokens", len(res.Tokens),
		"tokens_per_sec", fmt.Sprintf("%.2f", res.TokensPerSecond))
	return res, nil
}

// loop reads prompts line by line until "q", end of input or cancellation.
// A failed turn is reported and the loop keeps reading. Images apply to the
// first turn only; a vision prompt starts a new context.
func (s *session) loop(ctx context.Context, in io.Reader, images string) error {
	fmt.Fprintln(s.out, `Type "q" to exit, "/reset" to clear the context, Ctrl+c to stop current running`)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, ">> ")
		if !sc.Scan() {
			if ctx.Err() != nil {
				return nil
			}
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "q":
			return nil
		case "/reset":
			s.rt.eng.Reset()
			fmt.Fprintln(s.out, "context cleared")
			continue
		}

		res, err := s.turn(ctx, line, images)
		images = ""
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.diag(err)
			continue
		}
		if res.Reason == engine.ReasonContextFull {
			fmt.Fprintln(s.out, `context is full, type "/reset" to start over`)
		}
	}
}
