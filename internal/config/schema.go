package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// OptionType is the expected type of an option value.
type OptionType string

const (
	TypeString   OptionType = "string"
	TypeBool     OptionType = "bool"
	TypeInt      OptionType = "int"
	TypeDuration OptionType = "duration"
	// TypePath is a file or directory path; ~ is not expanded.
	TypePath OptionType = "path"
)

// ConfigOption declares one option.
type ConfigOption struct {
	// Key as it appears in the file.
	Key  string
	Type OptionType
	// Default as it would be written in the file, "" for none.
	Default     string
	Description string
	// Section is "" for global options, otherwise a subcommand name.
	Section string
	// EnvVar, when set in the environment, overrides the file.
	EnvVar string
}

// ConfigSchema is the set of known options. It drives validation, help text
// and value resolution.
type ConfigSchema struct {
	options   []*ConfigOption
	bySection map[string]map[string]*ConfigOption
}

// NewSchema returns an empty schema.
func NewSchema() *ConfigSchema {
	return &ConfigSchema{bySection: make(map[string]map[string]*ConfigOption)}
}

// Register adds opt, replacing an option with the same section and key.
func (s *ConfigSchema) Register(opt ConfigOption) {
	ref := &opt
	if s.bySection[opt.Section] == nil {
		s.bySection[opt.Section] = make(map[string]*ConfigOption)
	}
	if old, ok := s.bySection[opt.Section][opt.Key]; ok {
		s.options = slices.DeleteFunc(s.options, func(o *ConfigOption) bool { return o == old })
	}
	s.bySection[opt.Section][opt.Key] = ref
	s.options = append(s.options, ref)
}

// RegisterAll registers each option in order.
func (s *ConfigSchema) RegisterAll(opts []ConfigOption) {
	for _, opt := range opts {
		s.Register(opt)
	}
}

// Options returns every registered option in registration order.
func (s *ConfigSchema) Options() []ConfigOption {
	out := make([]ConfigOption, len(s.options))
	for i, o := range s.options {
		out[i] = *o
	}
	return out
}

// Lookup returns the option registered for key in section, or nil.
func (s *ConfigSchema) Lookup(section, key string) *ConfigOption {
	return s.bySection[section][key]
}

// IsKnown reports whether key may appear in section. Global options may
// appear in any section.
func (s *ConfigSchema) IsKnown(section, key string) bool {
	return s.Lookup(section, key) != nil || s.Lookup("", key) != nil
}

// Sections returns the sorted names of sections with their own options.
func (s *ConfigSchema) Sections() []string {
	var out []string
	for name := range s.bySection {
		if name != "" {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Resolve returns the effective value of key for command ("" for global):
// the option's environment variable when non-empty, then the command
// section, then the global value, then the default.
func (s *ConfigSchema) Resolve(c *Config, command, key string) string {
	opt := s.Lookup(command, key)
	if opt == nil {
		opt = s.Lookup("", key)
	}
	if opt != nil && opt.EnvVar != "" {
		if v := os.Getenv(opt.EnvVar); v != "" {
			return v
		}
	}
	if c != nil {
		if v, ok := c.GetCommandOption(command, key); ok {
			return v
		}
	}
	if opt != nil {
		return opt.Default
	}
	return ""
}

// ResolveInt resolves key as an integer. An empty value is 0.
func (s *ConfigSchema) ResolveInt(c *Config, command, key string) (int, error) {
	v := s.Resolve(c, command, key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: expected int, got %q", key, v)
	}
	return n, nil
}

// ResolveBool resolves key as a boolean. An empty value is false.
func (s *ConfigSchema) ResolveBool(c *Config, command, key string) (bool, error) {
	v := s.Resolve(c, command, key)
	if v == "" {
		return false, nil
	}
	b, err := parseBool(v)
	if err != nil {
		return false, fmt.Errorf("option %s: expected bool, got %q", key, v)
	}
	return b, nil
}

// ResolveDuration resolves key as a duration. An empty value is 0.
func (s *ConfigSchema) ResolveDuration(c *Config, command, key string) (time.Duration, error) {
	v := s.Resolve(c, command, key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: expected duration, got %q", key, v)
	}
	return d, nil
}

// ValidateConfig returns a sorted list of unknown options and type
// mismatches in c.
func ValidateConfig(c *Config, s *ConfigSchema) []string {
	var issues []string
	check := func(section, key, value string) {
		opt := s.Lookup(section, key)
		if opt == nil {
			opt = s.Lookup("", key)
		}
		where := "global option"
		if section != "" {
			where = fmt.Sprintf("option in [%s]", section)
		}
		if opt == nil {
			issues = append(issues, fmt.Sprintf("unknown %s: %q (value: %q)", where, key, value))
			return
		}
		if err := validateType(opt.Type, value); err != nil {
			issues = append(issues, fmt.Sprintf("%s %q: %v", where, key, err))
		}
	}

	for key, value := range c.Global {
		check("", key, value)
	}
	for section, opts := range c.Commands {
		for key, value := range opts {
			check(section, key, value)
		}
	}
	slices.Sort(issues)
	return issues
}

func validateType(t OptionType, value string) error {
	switch t {
	case TypeString, TypePath, "":
		return nil
	case TypeBool:
		if _, err := parseBool(value); err != nil {
			return fmt.Errorf("expected bool, got %q", value)
		}
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected int, got %q", value)
		}
	case TypeDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("expected duration, got %q", value)
		}
	default:
		return fmt.Errorf("unknown option type %q", t)
	}
	return nil
}

// FormatHelp renders every option, global ones first, then by section.
func (s *ConfigSchema) FormatHelp() string {
	var b strings.Builder
	write := func(title, section string) {
		first := true
		for _, o := range s.options {
			if o.Section != section {
				continue
			}
			if first {
				b.WriteString(title)
				first = false
			}
			writeOptionHelp(&b, *o)
		}
	}
	write("Global Options:\n", "")
	for _, sec := range s.Sections() {
		write(fmt.Sprintf("\n[%s] Options:\n", sec), sec)
	}
	return b.String()
}

func writeOptionHelp(b *strings.Builder, o ConfigOption) {
	fmt.Fprintf(b, "  %-28s %s", o.Key, o.Description)
	var parts []string
	if o.Type != "" && o.Type != TypeString {
		parts = append(parts, "type: "+string(o.Type))
	}
	if o.Default != "" {
		parts = append(parts, "default: "+o.Default)
	}
	if o.EnvVar != "" {
		parts = append(parts, "env: "+o.EnvVar)
	}
	if len(parts) > 0 {
		fmt.Fprintf(b, " (%s)", strings.Join(parts, ", "))
	}
	b.WriteString("\n")
}

// Option keys.
const (
	KeyScriptTimeout         = "script.timeout"
	KeyScriptBufferLength    = "script.buffer-length"
	KeyScriptLogFile         = "script.log-file"
	KeyScriptLogDir          = "script.log-dir"
	KeyScriptConsoleCapacity = "script.console-capacity"
	KeyScriptRegisters       = "script.registers"
	KeyLogFile               = "log.file"
	KeyLogLevel              = "log.level"
	KeyLogMaxSizeMB          = "log.max-size-mb"
	KeyLogMaxFiles           = "log.max-files"
	KeyRunMain               = "main"
	KeyRunEchoConsole        = "echo-console"
)

// DefaultSchema declares every option gcscript understands.
func DefaultSchema() *ConfigSchema {
	s := NewSchema()
	s.RegisterAll([]ConfigOption{
		{Key: KeyScriptTimeout, Type: TypeDuration, Default: "10s", Description: "How long script waits for a read, write or invoke reply", EnvVar: "GCS_SCRIPT_TIMEOUT"},
		{Key: KeyScriptBufferLength, Type: TypeInt, Default: "256", Description: "Shared result buffer size in bytes (at least 8)", EnvVar: "GCS_BUFFER_LENGTH"},
		{Key: KeyScriptLogFile, Type: TypeString, Default: "scripting.log", Description: "Name of the saved script log"},
		{Key: KeyScriptLogDir, Type: TypePath, Default: "", Description: "Directory the script log is saved in", EnvVar: "GCS_SCRIPT_LOG_DIR"},
		{Key: KeyScriptConsoleCapacity, Type: TypeInt, Default: "1000", Description: "Console lines kept in memory"},
		{Key: KeyScriptRegisters, Type: TypePath, Default: "", Description: "TOML register model answering read, write and invoke", EnvVar: "GCS_REGISTERS"},

		{Key: KeyLogFile, Type: TypePath, Default: "", Description: "Diagnostic log file (JSON output)", EnvVar: "GCS_LOG_FILE"},
		{Key: KeyLogLevel, Type: TypeString, Default: "info", Description: "Diagnostic log level: debug, info, warn, error", EnvVar: "GCS_LOG_LEVEL"},
		{Key: KeyLogMaxSizeMB, Type: TypeInt, Default: "10", Description: "Max diagnostic log size in MB before rotation"},
		{Key: KeyLogMaxFiles, Type: TypeInt, Default: "5", Description: "Max number of rotated diagnostic log files"},

		{Key: KeyRunMain, Section: "run", Type: TypeBool, Default: "true", Description: "Call main() after loading the script"},
		{Key: KeyRunEchoConsole, Section: "run", Type: TypeBool, Default: "true", Description: "Copy script console output to stderr"},
	})
	return s
}
