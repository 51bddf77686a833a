// Package gcode handles the line-oriented toolpath text consumed by the
// printer: tokenizing motion lines, splitting a sliced file into per-layer
// segments, and rewriting a layer into a corrective ironing pass.
package gcode

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is a tokenized toolpath line. Comments are stripped.
type Command struct {
	Name   string // e.g. "G1", "M107"
	Params map[byte]float64
	Raw    string
}

// messageCommands take free text instead of parameters.
var messageCommands = map[string]bool{
	"M23":  true, // select file
	"M28":  true, // start file write
	"M30":  true, // delete file
	"M32":  true, // select and start
	"M117": true, // display message
	"M118": true, // serial print
}

// IsMessage reports whether the named command carries free text.
func IsMessage(name string) bool {
	return messageCommands[strings.ToUpper(name)]
}

// IsComment reports whether the line is a comment line.
func IsComment(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), ";")
}

// StripComment removes a trailing ';' comment and surrounding whitespace.
func StripComment(line string) string {
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

// Parse tokenizes a single toolpath line. Empty and comment-only lines
// yield a Command with an empty Name. Parameter tokens are a single letter
// followed by a number; a malformed number is an error on G and T commands.
// M commands may carry text arguments (M486 A<label>), which are skipped,
// and message commands are not tokenized at all.
func Parse(line string) (Command, error) {
	cmd := Command{Raw: line}
	body := StripComment(line)
	if body == "" {
		return cmd, nil
	}

	tokens := strings.Fields(body)
	cmd.Name = strings.ToUpper(tokens[0])
	if IsMessage(cmd.Name) {
		return cmd, nil
	}
	for _, token := range tokens[1:] {
		axis := upper(token[0])
		if len(token) < 2 {
			// Bare axis letters (e.g. "G28 X") carry no value.
			continue
		}
		val, err := strconv.ParseFloat(token[1:], 64)
		if err != nil {
			if cmd.IsMachine() {
				continue
			}
			return Command{}, fmt.Errorf("invalid %c value %q: %w", axis, token, err)
		}
		if cmd.Params == nil {
			cmd.Params = make(map[byte]float64, len(tokens)-1)
		}
		cmd.Params[axis] = val
	}
	return cmd, nil
}

// Has reports whether the command carries the given parameter letter.
func (c Command) Has(axis byte) bool {
	_, ok := c.Params[axis]
	return ok
}

// IsMachine reports whether the command is an M code.
func (c Command) IsMachine() bool {
	return strings.HasPrefix(c.Name, "M")
}

// IsMove reports whether the command is a linear move.
func (c Command) IsMove() bool {
	return c.Name == "G0" || c.Name == "G1"
}

// IsExtrusion reports whether the command is a move that deposits material
// while travelling in the XY plane.
func (c Command) IsExtrusion() bool {
	return c.IsMove() && (c.Has('X') || c.Has('Y')) && c.Params['E'] > 0
}

// IsFeedOnly reports whether the command only sets the feed rate.
func (c Command) IsFeedOnly() bool {
	return c.IsMove() && len(c.Params) == 1 && c.Has('F')
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}
