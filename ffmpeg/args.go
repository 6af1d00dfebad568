package ffmpeg

import (
    "fmt"
    "strconv"

    "vid2gif/task"
)

// BuildArgs derives the ffmpeg argument list for converting input into a
// looping GIF at output. extra is inserted as global options before the input.
func BuildArgs(req task.Request, input, output string, extra []string) []string {
    args := []string{"-y"}
    args = append(args, extra...)

    // Seeking before -i is fast and keeps the window relative to the input.
    if req.Start > 0 {
        args = append(args, "-ss", formatSeconds(req.Start))
    }
    args = append(args, "-i", input)
    if req.Duration > 0 {
        args = append(args, "-t", formatSeconds(req.Duration))
    }

    args = append(args,
        "-vf", FilterGraph(req),
        "-loop", "0",
        output,
    )
    return args
}

// FilterGraph samples frames at req.FPS, scales to req.Width with the height
// following the aspect ratio, and quantizes through a generated palette.
func FilterGraph(req task.Request) string {
    return fmt.Sprintf(
        "fps=%d,scale=%d:-1:flags=lanczos,split[s0][s1];[s0]palettegen=max_colors=%d[p];[s1][p]paletteuse",
        req.FPS, req.Width, req.Quality.PaletteSize(),
    )
}

func formatSeconds(s float64) string {
    return strconv.FormatFloat(s, 'f', -1, 64)
}
