package ffmpeg

import (
    "fmt"
    "strings"

    "github.com/google/shlex"
)

// SplitCommand securely splits a command string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitCommand(command string) ([]string, error) {
    args, err := shlex.Split(command)
    if err != nil {
        return nil, fmt.Errorf("invalid command syntax: %w", err)
    }
    return args, nil
}

// outputOptions would add a second input or output, or reroute the one the
// service streams back. They are rejected in operator-supplied extra args.
var outputOptions = map[string]bool{
    "-i":   true,
    "-f":   true,
    "-map": true,
    "-y":   true,
    "-n":   true,
}

// SanitizeAndValidateArgs checks operator-supplied global arguments.
// Every argument must be a flag or the value of the preceding flag, and none
// may carry shell metacharacters.
func SanitizeAndValidateArgs(args []string) error {
    for _, arg := range args {
        if strings.ContainsAny(arg, "|&;`$()<>") {
            return fmt.Errorf("disallowed character found in argument: %s", arg)
        }
        if outputOptions[arg] {
            return fmt.Errorf("disallowed option: %s", arg)
        }
    }
    if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
        return fmt.Errorf("extra arguments must start with a flag, got %q", args[0])
    }
    return nil
}

// ParseExtraArgs splits and validates FF_EXTRA_ARGS.
func ParseExtraArgs(command string) ([]string, error) {
    args, err := SplitCommand(command)
    if err != nil {
        return nil, err
    }
    if err := SanitizeAndValidateArgs(args); err != nil {
        return nil, err
    }
    return args, nil
}
