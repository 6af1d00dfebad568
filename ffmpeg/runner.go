package ffmpeg

import (
    "bytes"
    "context"
    "fmt"
    "os"
    "os/exec"
    "strings"
    "time"

    "vid2gif/config"
    "vid2gif/task"

    "github.com/shirou/gopsutil/v3/cpu"
    "github.com/shirou/gopsutil/v3/disk"
    "github.com/shirou/gopsutil/v3/mem"
    "go.uber.org/zap"
)

// cpuSampleWindow is how long CPU usage is sampled before admitting a job.
const cpuSampleWindow = 500 * time.Millisecond

type Runner struct {
    cfg       *config.Config
    extraArgs []string
}

func NewRunner(cfg *config.Config) (*Runner, error) {
    if _, err := exec.LookPath(cfg.FFBin); err != nil {
        return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
    }

    extra, err := ParseExtraArgs(cfg.FFExtraArgs)
    if err != nil {
        return nil, fmt.Errorf("invalid FF_EXTRA_ARGS: %w", err)
    }

    return &Runner{
        cfg:       cfg,
        extraArgs: extra,
    }, nil
}

// Run converts the job's staged input into a GIF at j.OutputPath.
// It returns ffmpeg's stderr and an error.
func (r *Runner) Run(ctx context.Context, j *task.Job) (string, error) {
    if r.cfg.ThrottleEnable {
        if err := r.checkResources(ctx, j.Dir); err != nil {
            return "", fmt.Errorf("%w: %v", ErrInsufficientResources, err)
        }
    }

    args := BuildArgs(j.Request, j.InputPath, j.OutputPath, r.extraArgs)
    cmd := exec.CommandContext(ctx, r.cfg.FFBin, args...)
    var stderr bytes.Buffer
    cmd.Stderr = &stderr

    zap.L().Debug("executing ffmpeg",
        zap.String("job_id", j.ID),
        zap.String("command", cmd.Path+" "+strings.Join(args, " ")),
    )

    err := cmd.Run()
    diagnostic := stderr.String()

    if err != nil {
        // Drop the partial output so it can never be streamed.
        if rmErr := os.Remove(j.OutputPath); rmErr != nil && !os.IsNotExist(rmErr) {
            zap.L().Warn("failed to remove partial output", zap.String("job_id", j.ID), zap.Error(rmErr))
        }
        if ctx.Err() != nil {
            return diagnostic, fmt.Errorf("ffmpeg canceled: %w", ctx.Err())
        }
        return diagnostic, &ProcessError{Args: args, Stderr: diagnostic, Err: err}
    }

    return diagnostic, nil
}

// checkResources verifies that the host has enough free resources to start a new job.
func (r *Runner) checkResources(ctx context.Context, dir string) error {
    p, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
    if err != nil {
        zap.L().Warn("could not get CPU usage", zap.Error(err))
    } else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
        return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.cfg.ThrottleCPU)
    }

    vm, err := mem.VirtualMemoryWithContext(ctx)
    if err != nil {
        zap.L().Warn("could not get memory usage", zap.Error(err))
    } else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
        return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.cfg.ThrottleFreeMem)
    }

    d, err := disk.UsageWithContext(ctx, dir)
    if err != nil {
        zap.L().Warn("could not get disk usage", zap.String("dir", dir), zap.Error(err))
    } else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
        return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.cfg.ThrottleFreeDisk)
    }
    return nil
}
