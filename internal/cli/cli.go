// Package cli parses livecap command-line arguments.
package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Command string

const (
	CommandStart      Command = "start"
	CommandStop       Command = "stop"
	CommandStatus     Command = "status"
	CommandDevices    Command = "devices"
	CommandTranscribe Command = "transcribe"
	CommandNotes      Command = "notes"
	CommandServe      Command = "serve"
	CommandDoctor     Command = "doctor"
	CommandVersion    Command = "version"
	CommandHelp       Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandStart:      {},
	CommandStop:       {},
	CommandStatus:     {},
	CommandDevices:    {},
	CommandTranscribe: {},
	CommandNotes:      {},
	CommandServe:      {},
	CommandDoctor:     {},
	CommandVersion:    {},
	CommandHelp:       {},
}

// takesArgs lists commands that accept positional file arguments.
var takesArgs = map[Command]struct{}{
	CommandTranscribe: {},
	CommandNotes:      {},
}

type Parsed struct {
	Command    Command
	ConfigPath string
	Duration   time.Duration
	Args       []string
	ShowHelp   bool
}

// Parse interprets argv. Flags come before the command; positional
// arguments after the command are accepted only where the command
// takes them.
func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		case "--duration":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--duration requires a value like 90s or 5m")
			}
			d, err := time.ParseDuration(args[i])
			if err != nil {
				return Parsed{}, fmt.Errorf("invalid --duration %q: %w", args[i], err)
			}
			if d < 0 {
				return Parsed{}, fmt.Errorf("--duration must not be negative")
			}
			parsed.Duration = d
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp

			rest := args[i+1:]
			if len(rest) > 0 {
				if _, ok := takesArgs[cmd]; !ok {
					return Parsed{}, fmt.Errorf("unexpected arguments after command %q", arg)
				}
				parsed.Args = append(parsed.Args, rest...)
			}
			return parsed, nil
		}
	}

	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] [--duration D] <command> [args]

Commands:
  start               Start a live captioning session
  stop                Stop the active session
  status              Print current session state
  devices             List available input devices
  transcribe FILE...  Upload audio files for batch transcription
  notes FILE          Generate notes from a transcript file
  serve               Run the local demo server
  doctor              Run configuration and environment checks
  version             Print version information
  help                Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/livecap/config.yaml)
  --duration D    Auto-stop a started session after D (e.g. 90s, 5m)
  -h, --help      Show help
  --version       Show version
`, binaryName)
}
