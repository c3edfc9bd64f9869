// Command ledgerctl is a terminal client for the ledger wallet service.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/R3E-Network/ledger_client/internal/cli"
	"github.com/R3E-Network/ledger_client/internal/config"
	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	noColor    bool
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var g globalFlags
	fs := flag.NewFlagSet(cli.ProgramName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.configPath, "config", "", "Configuration file path (default "+config.DefaultPath+")")
	fs.StringVar(&g.envFile, "env", "", "Optional .env file loaded before the environment")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	fs.StringVar(&g.logFormat, "log-format", "", "Log format: text|json")
	fs.BoolVar(&g.noColor, "no-color", false, "Disable colored output")
	fs.Usage = func() { cli.Usage(stderr) }
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	out := cli.NewPrinter(stdout)
	if g.noColor || !isTerminal(stdout) {
		cli.DisableColor()
	}

	rest := fs.Args()
	if len(rest) == 0 {
		cli.Usage(stderr)
		return 2
	}
	name, cmdArgs := rest[0], rest[1:]

	// Completion needs no configuration or network.
	if name == "completion" {
		if err := runCompletion(stdout, cmdArgs); err != nil {
			out.Error("%v", err)
			return 1
		}
		return 0
	}

	cmd, ok := commands[name]
	if !ok {
		out.Error("unknown command %q", name)
		cli.Usage(stderr)
		return 2
	}

	cfg, err := config.LoadAll(g.configPath, g.envFile)
	if err != nil {
		out.Error("%v", err)
		return 1
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    stderr,
		Component: cli.ProgramName,
	})

	a, err := newApp(ctx, cfg, log, out, stdin)
	if err != nil {
		out.Error("%v", err)
		return 1
	}
	defer a.close()
	a.interactive = isTerminal(stdin)

	if err := cmd(ctx, a, cmdArgs); err != nil {
		reportError(out, err)
		return 1
	}
	return 0
}

func isTerminal(v interface{}) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// reportError prints err for the user. An expired session was already
// announced by the expiry listener.
func reportError(out *cli.Printer, err error) {
	if errors.IsSessionExpired(err) {
		return
	}
	out.Error("%s", errors.UserMessage(err))
}

func runCompletion(stdout io.Writer, args []string) error {
	fs := flag.NewFlagSet("completion", flag.ContinueOnError)
	install := fs.Bool("install", false, "Install the script under the home directory")
	if err := fs.Parse(reorder(args)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s completion bash|zsh|fish [--install]", cli.ProgramName)
	}
	shell := fs.Arg(0)

	if !*install {
		return cli.GenerateCompletion(stdout, shell)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	path, err := cli.InstallCompletion(home, shell)
	if err != nil {
		return err
	}
	p := cli.NewPrinter(stdout)
	p.Success("Completion script installed to: %s", path)
	p.Info("To enable completion, add to your shell config:\n%s", cli.EnableHint(shell))
	return nil
}
