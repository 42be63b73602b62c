package config

import (
	"errors"
	"time"
)

// ScriptSettings are the resolved script.* options.
type ScriptSettings struct {
	Timeout         time.Duration
	BufferLength    int
	LogFile         string
	LogDir          string
	ConsoleCapacity int
	Registers       string
}

// LogSettings are the resolved log.* options.
type LogSettings struct {
	File      string
	Level     string
	MaxSizeMB int
	MaxFiles  int
}

// ScriptSettings resolves the script options for command.
func (s *ConfigSchema) ScriptSettings(c *Config, command string) (ScriptSettings, error) {
	var (
		out  ScriptSettings
		errs []error
	)
	var err error
	out.Timeout, err = s.ResolveDuration(c, command, KeyScriptTimeout)
	errs = append(errs, err)
	out.BufferLength, err = s.ResolveInt(c, command, KeyScriptBufferLength)
	errs = append(errs, err)
	out.ConsoleCapacity, err = s.ResolveInt(c, command, KeyScriptConsoleCapacity)
	errs = append(errs, err)
	out.LogFile = s.Resolve(c, command, KeyScriptLogFile)
	out.LogDir = s.Resolve(c, command, KeyScriptLogDir)
	out.Registers = s.Resolve(c, command, KeyScriptRegisters)
	return out, errors.Join(errs...)
}

// LogSettings resolves the diagnostic log options.
func (s *ConfigSchema) LogSettings(c *Config) (LogSettings, error) {
	var (
		out  LogSettings
		errs []error
	)
	var err error
	out.File = s.Resolve(c, "", KeyLogFile)
	out.Level = s.Resolve(c, "", KeyLogLevel)
	out.MaxSizeMB, err = s.ResolveInt(c, "", KeyLogMaxSizeMB)
	errs = append(errs, err)
	out.MaxFiles, err = s.ResolveInt(c, "", KeyLogMaxFiles)
	errs = append(errs, err)
	return out, errors.Join(errs...)
}
