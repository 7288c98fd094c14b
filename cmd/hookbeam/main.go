package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hookbeam/internal/app"
	"hookbeam/internal/config"
	"hookbeam/internal/dispatch"
	"hookbeam/internal/storage"
	"hookbeam/internal/webhook"
)

const usage = `usage: hookbeam <command> [flags]

commands:
  serve     run the daemon (HTTP API, schedules, config hot reload)
  send      run one dispatch session in the foreground
  validate  check that a webhook exists
  delete    delete a webhook
  version   print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	env, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := notifyContext(context.Background())
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "serve":
		err = runServe(ctx, env, args)
	case "send":
		err = runSend(ctx, env, args)
	case "validate":
		err = runValidate(ctx, env, args)
	case "delete":
		err = runDelete(ctx, env, args, os.Stdin, os.Stdout)
	case "version":
		fmt.Println(app.Version)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// notifyContext is canceled by SIGINT or SIGTERM with an app.SignalCause,
// so shutdown can log which one arrived.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			cancel(app.SignalCause{Signal: sig})
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel(context.Canceled)
	}
}

func runServe(ctx context.Context, env config.Env, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := fs.String("config", env.ConfigPath, "path to config (json or yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := app.NewApp(*cfgPath, env)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var reason app.StopReason
	select {
	case <-ctx.Done():
		reason = app.ReasonFromContext(ctx)
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func runSend(ctx context.Context, env config.Env, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	cfgPath := fs.String("config", env.ConfigPath, "path to config (json or yaml)")
	url := fs.String("url", "", "webhook URL (default: saved profile)")
	message := fs.String("message", "", "message content (default: saved profile)")
	delay := fs.String("delay", "", "delay between sends in ms (default: saved profile, else 20)")
	runFor := fs.Duration("for", 0, "stop after this long (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	core, err := app.OpenCore(*cfgPath, env)
	if err != nil {
		return err
	}
	defer core.Close()

	p := core.Profile()
	if *url != "" {
		p.Endpoint = *url
	}
	if *message != "" {
		p.MessageContent = *message
	}
	if *delay != "" {
		p.DelayMs = dispatch.ParseDelay(*delay)
	}

	sess, err := core.Ctrl.Start(ctx, dispatch.StartRequest{Endpoint: p.Endpoint, Message: p.MessageContent, DelayMs: p.DelayMs})
	if err != nil {
		return err
	}
	core.SaveProfile(storage.Profile{Endpoint: sess.Endpoint, MessageContent: sess.Message, DelayMs: sess.DelayMs()})
	fmt.Printf("Dispatch started (%dms delay), Ctrl-C to stop\n", sess.DelayMs())

	var timeout <-chan time.Time
	if *runFor > 0 {
		t := time.NewTimer(*runFor)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	}

	sum, _ := core.Ctrl.Stop()
	fmt.Println(sum.String())
	return nil
}

func runValidate(ctx context.Context, env config.Env, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	cfgPath := fs.String("config", env.ConfigPath, "path to config (json or yaml)")
	url := fs.String("url", "", "webhook URL (default: saved profile)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	core, err := app.OpenCore(*cfgPath, env)
	if err != nil {
		return err
	}
	defer core.Close()

	endpoint := *url
	if endpoint == "" {
		endpoint = core.Profile().Endpoint
	}
	v, err := core.Ctrl.Validate(ctx, endpoint)
	if err != nil {
		return err
	}
	fmt.Println(v.Message())
	if v != dispatch.VerdictValid {
		return errors.New(v.String())
	}
	return nil
}

func runDelete(ctx context.Context, env config.Env, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	cfgPath := fs.String("config", env.ConfigPath, "path to config (json or yaml)")
	url := fs.String("url", "", "webhook URL (default: saved profile)")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	core, err := app.OpenCore(*cfgPath, env)
	if err != nil {
		return err
	}
	defer core.Close()

	endpoint := *url
	if endpoint == "" {
		endpoint = core.Profile().Endpoint
	}
	confirm := dispatch.Confirmed
	if !*yes {
		confirm = promptConfirm(in, out)
	}
	v, err := core.Ctrl.Delete(ctx, endpoint, confirm)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, v.Message())
	if v == dispatch.DeleteFailed {
		return errors.New(v.String())
	}
	return nil
}

func promptConfirm(in io.Reader, out io.Writer) dispatch.ConfirmFunc {
	return func(_ context.Context, endpoint string) bool {
		fmt.Fprintf(out, "Delete webhook on %s? This cannot be undone. [y/N] ", webhook.Redact(endpoint))
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && line == "" {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}
