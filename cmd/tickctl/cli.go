package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"tickd/internal/app"
	"tickd/internal/config"
	"tickd/internal/jobs"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

// Exit codes. Job errors map through jobs.Classify.
const (
	exitOK       = 0
	exitInternal = 1
	exitInvalid  = 2
	exitNotFound = 3
	exitConflict = 4
)

type command struct {
	usage   string
	summary string
	// store commands get cli.svc populated.
	store bool
	run   func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{
	"add":     {"add [-dir D] [-timeout SEC] [-tags T] [-disabled] NAME CRON COMMAND", "create a job", true, cmdAdd},
	"list":    {"list [-enabled] [-tag T]", "list jobs", true, cmdList},
	"show":    {"show NAME", "show a job, its schedule and last run", true, cmdShow},
	"edit":    {"edit NAME [-name N] [-cron C] [-command C] [-dir D] [-timeout SEC] [-tags T]", "change job fields", true, cmdEdit},
	"enable":  {"enable NAME", "enable a job and schedule its next run", true, cmdEnable},
	"disable": {"disable NAME", "disable a job", true, cmdDisable},
	"delete":  {"delete NAME", "delete a job (run history is kept)", true, cmdDelete},
	"trigger": {"trigger NAME", "make a job due now", true, cmdTrigger},
	"runs":    {"runs [-job NAME] [-since DUR] [-failed] [-limit N]", "list runs, most recent first", true, cmdRuns},
	"run":     {"run ID", "show one run with its output", true, cmdRun},
	"last":    {"last NAME", "show the last run of a job", true, cmdLast},
	"stats":   {"stats [-since DUR]", "run counts since a point in time (default: today)", true, cmdStats},
	"cleanup": {"cleanup -days N", "delete runs older than N days", true, cmdCleanup},
	"next":    {"next [-n N] CRON", "preview the next trigger times of an expression", false, cmdNext},
	"status":  {"status", "query a running daemon's ops /status endpoint", false, cmdStatus},
}

type cli struct {
	out    io.Writer
	errOut io.Writer
	cfg    *config.Config
	loc    *time.Location
	svc    *jobs.Service
	json   bool
	now    func() time.Time
}

// usageError is a malformed invocation; it exits with exitInvalid.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error { return usageError{fmt.Sprintf(format, args...)} }

func run(ctx context.Context, args []string, stdout, stderr io.Writer, env config.EnvLookup) int {
	global := flag.NewFlagSet("tickctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	cfgPath := global.String("config", "", "path to the daemon config (json/yaml)")
	asJSON := global.Bool("json", false, "print JSON instead of text")
	global.Usage = func() { printUsage(stderr, global) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitInvalid
	}
	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr, global)
		return exitInvalid
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "tickctl: unknown command %q\n", rest[0])
		printUsage(stderr, global)
		return exitInvalid
	}

	cfgm := config.NewConfigManager(*cfgPath)
	cfgm.SetEnv(env)
	cfg, err := cfgm.Load()
	if err != nil {
		fmt.Fprintln(stderr, "tickctl: config:", err)
		return exitInvalid
	}
	loc, err := cfg.Location()
	if err != nil {
		fmt.Fprintln(stderr, "tickctl:", err)
		return exitInvalid
	}

	c := &cli{out: stdout, errOut: stderr, cfg: cfg, loc: loc, json: *asJSON, now: time.Now}
	if cmd.store {
		log := logx.NewWriter(stderr, "warn").With(logx.String("comp", "storage"))
		st, err := storage.Open(app.StorageConfig(cfg), log)
		if err != nil {
			fmt.Fprintln(stderr, "tickctl: open store:", err)
			return exitInternal
		}
		defer st.Close()
		c.svc = jobs.NewService(st, jobs.Options{
			Location:              loc,
			DefaultTimeoutSeconds: cfg.Executor.DefaultTimeoutSeconds,
			Log:                   logx.NewWriter(stderr, "warn"),
		})
	}

	if err := cmd.run(ctx, c, rest[1:]); err != nil {
		return c.fail(rest[0], err)
	}
	return exitOK
}

func (c *cli) fail(name string, err error) int {
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(c.errOut, "tickctl %s: %s\nusage: tickctl %s\n", name, ue.msg, commands[name].usage)
		return exitInvalid
	}
	fmt.Fprintf(c.errOut, "tickctl %s: %v\n", name, err)
	switch jobs.Classify(err) {
	case jobs.KindNotFound:
		return exitNotFound
	case jobs.KindConflict:
		return exitConflict
	case jobs.KindInvalid:
		return exitInvalid
	default:
		return exitInternal
	}
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage(w io.Writer, global *flag.FlagSet) {
	fmt.Fprintln(w, "usage: tickctl [-config PATH] [-json] COMMAND [ARGS]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-8s %s\n", n, commands[n].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "flags:")
	global.SetOutput(w)
	global.PrintDefaults()
}

// parseArgs parses flags that may appear before, between or after positional
// arguments. Everything after "--" is positional.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var tail []string
	for i, a := range args {
		if a == "--" {
			args, tail = args[:i], args[i+1:]
			break
		}
	}
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, usageError{err.Error()}
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
	return append(pos, tail...), nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func exactArgs(pos []string, n int, names ...string) error {
	if len(pos) != n {
		return usagef("expected %s, got %d argument(s)", strings.Join(names, " "), len(pos))
	}
	return nil
}
