package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/evagent/agent"
	"github.com/briangreenhill/evagent/coordinator"
	"github.com/briangreenhill/evagent/internal/client"
	"github.com/briangreenhill/evagent/internal/config"
)

const version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runCLI(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: evagent <command> [options]")
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  status              Show the agent's workers and cache generations (default)")
	fmt.Fprintln(out, "  watch [--auto]      Report waiting updates; --auto activates them")
	fmt.Fprintln(out, "  activate            Activate the waiting update and wait for the take-over")
	fmt.Fprintln(out, "  unregister          Remove the agent registration")
	fmt.Fprintln(out, "  version             Print the version")
	fmt.Fprintln(out, "Environment:")
	fmt.Fprintln(out, "  EVAGENT_URL           Agent address (default http://localhost:8080)")
	fmt.Fprintln(out, "  EVAGENT_ADMIN_TOKEN   Token for mutating control endpoints")
	fmt.Fprintln(out, "  EVAGENT_ENV           Activation only runs when set to production")
	fmt.Fprintln(out, "  EVAGENT_POLL_INTERVAL How often watch polls the agent (default 2s)")
}

func runCLI(ctx context.Context, args []string, out io.Writer) error {
	cmd := "status"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "help", "--help", "-h":
		printHelp(out)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintf(out, "evagent %s\n", version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(cfg.Level()).With().Timestamp().Logger()
	c := client.New(cfg.AgentURL,
		client.WithToken(cfg.AdminToken),
		client.WithPollInterval(cfg.PollInterval),
		client.WithLogger(logger),
	)
	defer c.Close()

	switch cmd {
	case "status":
		return runStatus(ctx, c, out)
	case "watch":
		fs := flag.NewFlagSet("watch", flag.ContinueOnError)
		fs.SetOutput(out)
		auto := fs.Bool("auto", false, "activate updates as soon as they are waiting")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return runWatch(ctx, cfg, c, logger, *auto, out)
	case "activate":
		return runActivate(ctx, cfg, c, logger, out)
	case "unregister":
		co := coordinator.New(c, newTerminalPage(out), coordinator.Options{Logger: &logger})
		co.UnregisterAll(ctx)
		if _, err := c.Info(ctx); !errors.Is(err, client.ErrNotRegistered) {
			return fmt.Errorf("agent still registered")
		}
		fmt.Fprintln(out, "unregistered")
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func runStatus(ctx context.Context, c *client.Client, out io.Writer) error {
	info, err := c.Info(ctx)
	if errors.Is(err, client.ErrNotRegistered) {
		fmt.Fprintln(out, "not registered")
		return nil
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "scope\t%s\n", info.Scope)
	for _, slot := range []struct {
		name string
		w    *agent.WorkerInfo
	}{
		{"active", info.Active},
		{"waiting", info.Waiting},
		{"installing", info.Installing},
	} {
		if slot.w == nil {
			fmt.Fprintf(tw, "%s\t-\n", slot.name)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", slot.name, slot.w.Version, slot.w.State, slot.w.ID)
	}

	caches, err := c.Caches(ctx)
	if err != nil {
		return err
	}
	for _, ci := range caches {
		fmt.Fprintf(tw, "cache\t%s\t%d entries\n", ci.Name, ci.Entries)
	}
	return tw.Flush()
}

func coordinatorOptions(cfg *config.Config, logger *zerolog.Logger) coordinator.Options {
	return coordinator.Options{
		Production:    cfg.Production(),
		FallbackDelay: cfg.ReloadFallback,
		Logger:        logger,
	}
}

func runWatch(ctx context.Context, cfg *config.Config, c *client.Client, logger zerolog.Logger, auto bool, out io.Writer) error {
	page := newTerminalPage(out)
	co := coordinator.New(c, page, coordinatorOptions(cfg, &logger))

	co.RegisterAndWatch(ctx, func() {
		fmt.Fprintln(out, "update available")
		if auto {
			co.ActivateUpdate(ctx)
		}
	})
	if co.Registration() == nil {
		return fmt.Errorf("could not register with agent at %s", cfg.AgentURL)
	}
	if auto && !cfg.Production() {
		fmt.Fprintln(out, "note: activation is disabled outside production (EVAGENT_ENV)")
	}

	if !auto {
		<-ctx.Done()
		return nil
	}
	select {
	case <-ctx.Done():
	case <-page.reloaded:
	}
	return nil
}

func runActivate(ctx context.Context, cfg *config.Config, c *client.Client, logger zerolog.Logger, out io.Writer) error {
	if !cfg.Production() {
		fmt.Fprintln(out, "activation is disabled outside production (set EVAGENT_ENV=production)")
		return nil
	}
	page := newTerminalPage(out)
	co := coordinator.New(c, page, coordinatorOptions(cfg, &logger))
	co.RegisterAndWatch(ctx, nil)
	reg := co.Registration()
	if reg == nil {
		return fmt.Errorf("could not register with agent at %s", cfg.AgentURL)
	}
	if _, ok := reg.Waiting(); !ok {
		fmt.Fprintln(out, "no update waiting")
		return nil
	}

	co.ActivateUpdate(ctx)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-page.reloaded:
	}

	info, err := c.Info(ctx)
	if err != nil {
		return err
	}
	if info.Active != nil {
		fmt.Fprintf(out, "now serving %s\n", info.Active.Version)
	}
	return nil
}

// terminalPage stands in for the browser tab when the coordinator runs
// from the command line
type terminalPage struct {
	out      io.Writer
	once     sync.Once
	reloaded chan struct{}
}

func newTerminalPage(out io.Writer) *terminalPage {
	return &terminalPage{out: out, reloaded: make(chan struct{})}
}

func (p *terminalPage) Reload() {
	p.once.Do(func() {
		fmt.Fprintln(p.out, "reloaded")
		close(p.reloaded)
	})
}

func (p *terminalPage) Visible() bool { return true }
