package ffmpeg

import (
    "errors"
    "fmt"
    "sort"
    "strings"
)

// ErrInsufficientResources is returned when the host is too busy to start a job.
var ErrInsufficientResources = errors.New("insufficient system resources")

// ProcessError is returned when ffmpeg exits unsuccessfully. Stderr holds the
// diagnostic stream as written by the process.
type ProcessError struct {
    Args   []string
    Stderr string
    Err    error
}

func (e *ProcessError) Error() string {
    return fmt.Sprintf("ffmpeg execution failed: %v", e.Err)
}

func (e *ProcessError) Unwrap() error {
    return e.Err
}

// Redact replaces every occurrence of the given paths in text with
// placeholder. Longer paths are replaced first so a directory never
// clobbers part of a file path below it.
func Redact(text, placeholder string, paths ...string) string {
    sorted := make([]string, 0, len(paths))
    for _, p := range paths {
        if p != "" {
            sorted = append(sorted, p)
        }
    }
    sort.Slice(sorted, func(a, b int) bool { return len(sorted[a]) > len(sorted[b]) })
    for _, p := range sorted {
        text = strings.ReplaceAll(text, p, placeholder)
    }
    return text
}
