package command

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joeycumines/gc-scripting/internal/config"
	"github.com/joeycumines/gc-scripting/internal/registers"
	"github.com/joeycumines/gc-scripting/internal/scripting"
)

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ", ") }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

// RunCommand loads a script against a register model, calls its main and
// evaluates expressions given on the command line.
type RunCommand struct {
	*BaseCommand
	config *config.Config
	schema *config.ConfigSchema
	logger *slog.Logger
	stdin  io.Reader

	evals         stringList
	registersPath string
	timeout       time.Duration
	bufferLength  int
	logDir        string
	logFile       string
	skipMain      bool
	quiet         bool
	dumpRegisters bool
	metricsFile   string
}

// NewRunCommand returns a run command. Flags override cfg, which overrides
// the defaults.
func NewRunCommand(cfg *config.Config, logger *slog.Logger) *RunCommand {
	return &RunCommand{
		BaseCommand: NewBaseCommand("run", "Run a script against a register model", "run [options] <script.js | ->"),
		config:      cfg,
		schema:      config.DefaultSchema(),
		logger:      logger,
		stdin:       os.Stdin,
	}
}

func (c *RunCommand) SetupFlags(fs *flag.FlagSet) {
	fs.Var(&c.evals, "e", "Expression to evaluate after main (repeatable)")
	fs.StringVar(&c.registersPath, "registers", "", "TOML register model (overrides script.registers)")
	fs.DurationVar(&c.timeout, "timeout", 0, "Reply timeout for read, write and invoke (overrides script.timeout)")
	fs.IntVar(&c.bufferLength, "buffer-length", 0, "Shared result buffer size in bytes (overrides script.buffer-length)")
	fs.StringVar(&c.logDir, "log-dir", "", "Directory for the script log (overrides script.log-dir)")
	fs.StringVar(&c.logFile, "log-file", "", "Name of the script log (overrides script.log-file)")
	fs.BoolVar(&c.skipMain, "no-main", false, "Do not call main()")
	fs.BoolVar(&c.quiet, "quiet", false, "Do not copy console output to stderr")
	fs.BoolVar(&c.dumpRegisters, "dump", false, "Print the registers as TOML when done")
	fs.StringVar(&c.metricsFile, "metrics-file", "", "Write Prometheus metrics in text format to this file when done")
}

func (c *RunCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) != 1 {
		_, _ = fmt.Fprintf(stderr, "Usage: %s\n", c.Usage())
		return errUnexpectedArgs
	}

	settings, err := c.settings()
	if err != nil {
		return err
	}
	runMain, err := c.schema.ResolveBool(c.config, c.Name(), config.KeyRunMain)
	if err != nil {
		return err
	}
	echo, err := c.schema.ResolveBool(c.config, c.Name(), config.KeyRunEchoConsole)
	if err != nil {
		return err
	}
	runMain = runMain && !c.skipMain
	echo = echo && !c.quiet

	source, err := c.readScript(args[0])
	if err != nil {
		return err
	}
	model, err := c.loadModel(settings.Registers)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg := prometheus.NewRegistry()
	finished := make(chan scripting.Event, 1)
	s, err := scripting.New(ctx, model,
		scripting.WithMetrics(scripting.NewMetrics(reg)),
		scripting.WithTimeout(settings.Timeout),
		scripting.WithBufferLength(settings.BufferLength),
		scripting.WithConsoleCapacity(settings.ConsoleCapacity),
		scripting.WithLogFile(settings.LogFile),
		scripting.WithLogSaver(scripting.FileLogSaver{Dir: settings.LogDir}),
		scripting.WithLogger(c.logger),
		scripting.WithOnEvent(func(ev scripting.Event) {
			switch e := ev.(type) {
			case scripting.ConsoleEvent:
				if echo {
					_, _ = fmt.Fprintf(stderr, "[%s] %s\n", e.Type, e.Message)
				}
			case scripting.MainCompletedEvent, scripting.ExitEvent:
				select {
				case finished <- ev:
				default:
				}
			}
		}),
	)
	if err != nil {
		return err
	}
	defer s.Close()

	s.Load(source)
	if runMain {
		s.Main()
		select {
		case ev := <-finished:
			c.logger.Debug("script finished", slog.String("event", ev.EventName()))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var evalErr error
	for _, expression := range c.evals {
		v, err := s.Eval(ctx, expression)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", expression, err)
			evalErr = errors.Join(evalErr, err)
			continue
		}
		_, _ = fmt.Fprintln(stdout, formatValue(v))
	}

	if err := s.Close(); err != nil {
		return err
	}
	if c.metricsFile != "" {
		if err := prometheus.WriteToTextfile(c.metricsFile, reg); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	if c.dumpRegisters {
		if err := model.WriteTOML(stdout); err != nil {
			return err
		}
	}
	return evalErr
}

func (c *RunCommand) settings() (config.ScriptSettings, error) {
	settings, err := c.schema.ScriptSettings(c.config, c.Name())
	if err != nil {
		return settings, err
	}
	if c.registersPath != "" {
		settings.Registers = c.registersPath
	}
	if c.timeout > 0 {
		settings.Timeout = c.timeout
	}
	if c.bufferLength > 0 {
		settings.BufferLength = c.bufferLength
	}
	if c.logDir != "" {
		settings.LogDir = c.logDir
	}
	if c.logFile != "" {
		settings.LogFile = c.logFile
	}
	return settings, nil
}

func (c *RunCommand) readScript(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(c.stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	return string(data), nil
}

func (c *RunCommand) loadModel(path string) (*registers.Model, error) {
	if path == "" {
		return registers.New(), nil
	}
	return registers.Load(path)
}

func formatValue(v any) string {
	switch b := v.(type) {
	case nil:
		return "undefined"
	case []byte:
		return fmt.Sprintf("% x", b)
	default:
		return fmt.Sprint(v)
	}
}

// RegistersCommand checks a register model and prints it back.
type RegistersCommand struct {
	*BaseCommand
	config *config.Config
}

// NewRegistersCommand returns a registers command.
func NewRegistersCommand(cfg *config.Config) *RegistersCommand {
	return &RegistersCommand{
		BaseCommand: NewBaseCommand("registers", "Validate a register model and print its registers", "registers [model.toml]"),
		config:      cfg,
	}
}

func (c *RegistersCommand) Execute(args []string, stdout, stderr io.Writer) error {
	var path string
	switch len(args) {
	case 0:
		path = config.DefaultSchema().Resolve(c.config, c.Name(), config.KeyScriptRegisters)
	case 1:
		path = args[0]
	default:
		_, _ = fmt.Fprintf(stderr, "Usage: %s\n", c.Usage())
		return errUnexpectedArgs
	}
	if path == "" {
		return errors.New("no register model given and script.registers is not set")
	}
	model, err := registers.Load(path)
	if err != nil {
		return err
	}
	return model.WriteTOML(stdout)
}
