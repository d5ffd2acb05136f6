package codec

import (
	"fmt"
	"strings"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

// Verb is the first word of a command frame.
type Verb string

const (
	VerbJoin    Verb = "join"
	VerbCamera  Verb = "camera"
	VerbDisplay Verb = "display"
	VerbLeave   Verb = "leave"
	VerbStream  Verb = "stream"
)

// Command is a parsed command frame.
type Command struct {
	Verb Verb
	// Format is set when a camera command carries a WxH@FPS descriptor.
	Format *types.Format
}

// ParseCommand interprets the trimmed text of a command frame. Unknown verbs
// and malformed descriptors return an error; the caller logs and skips them.
func ParseCommand(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}

	verb := Verb(fields[0])
	switch verb {
	case VerbJoin, VerbDisplay, VerbLeave, VerbStream:
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("unexpected arguments to %q: %q", verb, text)
		}
		return Command{Verb: verb}, nil
	case VerbCamera:
		switch len(fields) {
		case 1:
			return Command{Verb: verb}, nil
		case 2:
			f, err := ParseFormat(fields[1])
			if err != nil {
				return Command{}, err
			}
			return Command{Verb: verb, Format: &f}, nil
		default:
			return Command{}, fmt.Errorf("unexpected arguments to %q: %q", verb, text)
		}
	default:
		return Command{}, fmt.Errorf("unrecognized command %q", text)
	}
}

// ParseFormat parses a WxH@FPS descriptor such as "1280x720@25".
func ParseFormat(s string) (types.Format, error) {
	var f types.Format
	if _, err := fmt.Sscanf(s, "%dx%d@%d", &f.Width, &f.Height, &f.FPS); err != nil {
		return types.Format{}, fmt.Errorf("invalid format descriptor %q: %w", s, err)
	}
	if !f.Valid() || f.String() != s {
		return types.Format{}, fmt.Errorf("invalid format descriptor %q", s)
	}
	return f, nil
}

// String renders the command as it would appear on the wire.
func (c Command) String() string {
	if c.Format != nil {
		return string(c.Verb) + " " + c.Format.String()
	}
	return string(c.Verb)
}
