// SPDX-License-Identifier:Apache-2.0

package frr

import (
	"strings"
)

// Statement is a configuration command, optionally opening a context that
// holds Children and is closed by Exit.
type Statement struct {
	Command  string
	Children []Statement
	Exit     string
}

// Block is a group of statements applied in one daemon session, and the
// unit of success or failure.
type Block struct {
	Name       string
	Statements []Statement
}

// Lines flattens the block into the command sequence sent to the daemon.
func (b Block) Lines() []string {
	var res []string
	for _, s := range b.Statements {
		res = s.appendLines(res)
	}
	return res
}

func (s Statement) appendLines(to []string) []string {
	to = append(to, s.Command)
	for _, c := range s.Children {
		to = c.appendLines(to)
	}
	if s.Exit != "" {
		to = append(to, s.Exit)
	}
	return to
}

// String renders the block the way it would look in a configuration file.
func (b Block) String() string {
	var sb strings.Builder
	for _, s := range b.Statements {
		s.render(&sb, 0)
	}
	return sb.String()
}

func (s Statement) render(sb *strings.Builder, depth int) {
	indent := strings.Repeat(" ", depth)
	sb.WriteString(indent + s.Command + "\n")
	for _, c := range s.Children {
		c.render(sb, depth+1)
	}
	if s.Exit != "" {
		sb.WriteString(indent + s.Exit + "\n")
	}
}

func leaf(command string) Statement {
	return Statement{Command: command}
}
