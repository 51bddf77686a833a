package gcode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// IronOptions controls the corrective reprint of a layer.
type IronOptions struct {
	ExtrusionRatio float64 // scale applied to positive E values
	SpeedRatio     float64 // scale applied to positive S values
}

// DefaultIronOptions returns the ratios used for a light smoothing pass.
func DefaultIronOptions() IronOptions {
	return IronOptions{
		ExtrusionRatio: 0.2,
		SpeedRatio:     0.6,
	}
}

// Validate checks that both ratios are usable.
func (o IronOptions) Validate() error {
	if o.ExtrusionRatio <= 0 || o.ExtrusionRatio > 1 {
		return fmt.Errorf("extrusion ratio must be in (0, 1], got %g", o.ExtrusionRatio)
	}
	if o.SpeedRatio <= 0 || o.SpeedRatio > 1 {
		return fmt.Errorf("speed ratio must be in (0, 1], got %g", o.SpeedRatio)
	}
	return nil
}

// Iron rewrites a layer toolpath into an ironing pass. Comment lines are
// dropped. Every non-negative E value is rounded to three decimals and
// scaled by ExtrusionRatio; every non-negative S value is scaled by
// SpeedRatio and truncated to an integer. Negative values (retractions) and
// all other tokens are kept as written, as are message commands, object labels
// (M486) and text arguments of M commands.
func Iron(lines []string, opts IronOptions) ([]string, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(lines))
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if IsComment(line) {
			continue
		}
		if !strings.Contains(line, " E") && !strings.Contains(line, " S") {
			out = append(out, line)
			continue
		}

		rewritten, err := ironLine(line, opts)
		if err != nil {
			return nil, fmt.Errorf("line %d %q: %w", i+1, line, err)
		}
		out = append(out, rewritten)
	}
	return out, nil
}

func ironLine(line string, opts IronOptions) (string, error) {
	body, comment := line, ""
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		body, comment = line[:idx], line[idx:]
	}

	tokens := strings.Split(strings.TrimRight(body, " "), " ")
	name := strings.ToUpper(tokens[0])
	// M486 S selects an object by index, not a speed.
	if IsMessage(name) || name == "M486" {
		return line, nil
	}
	machine := strings.HasPrefix(name, "M")
	for i, token := range tokens {
		if i == 0 || len(token) < 2 {
			continue
		}
		switch token[0] {
		case 'E':
			v, err := strconv.ParseFloat(token[1:], 64)
			if err != nil {
				if machine {
					continue
				}
				return "", fmt.Errorf("invalid extrusion value: %w", err)
			}
			v = round3(v)
			if v < 0 {
				continue
			}
			tokens[i] = "E" + strconv.FormatFloat(round3(v*opts.ExtrusionRatio), 'f', -1, 64)
		case 'S':
			v, err := strconv.ParseFloat(token[1:], 64)
			if err != nil {
				if machine {
					continue
				}
				return "", fmt.Errorf("invalid speed value: %w", err)
			}
			if v < 0 {
				continue
			}
			// 1e-9 absorbs binary representation error, e.g. 6000*0.6
			tokens[i] = "S" + strconv.Itoa(int(math.Floor(v*opts.SpeedRatio+1e-9)))
		}
	}

	rewritten := strings.Join(tokens, " ")
	if comment != "" {
		rewritten += " " + comment
	}
	return rewritten, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
