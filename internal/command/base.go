// Package command implements the gcscript subcommands.
package command

import (
	"flag"
	"io"
)

// Command is one gcscript subcommand.
type Command interface {
	Name() string
	// Description is the one line shown by help.
	Description() string
	Usage() string

	// SetupFlags registers the command's flags. It is also called by help to
	// list them.
	SetupFlags(fs *flag.FlagSet)

	// Execute runs the command with the arguments left after flag parsing.
	Execute(args []string, stdout, stderr io.Writer) error
}

// BaseCommand holds the descriptive parts of a Command and has no flags.
type BaseCommand struct {
	name        string
	description string
	usage       string
}

// NewBaseCommand returns a BaseCommand.
func NewBaseCommand(name, description, usage string) *BaseCommand {
	return &BaseCommand{name: name, description: description, usage: usage}
}

func (c *BaseCommand) Name() string             { return c.name }
func (c *BaseCommand) Description() string      { return c.description }
func (c *BaseCommand) Usage() string            { return c.usage }
func (c *BaseCommand) SetupFlags(*flag.FlagSet) {}
