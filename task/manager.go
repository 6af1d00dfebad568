package task

import (
    "context"
    "errors"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "vid2gif/config"

    "github.com/lithammer/shortuuid/v4"
    "go.uber.org/zap"
    "golang.org/x/sync/semaphore"
)

var (
    ErrOutputMissing = errors.New("output file was not created")
    ErrInputTooLarge = errors.New("input exceeds size limit")
)

const outputName = "output.gif"

type FFmpegRunner interface {
    Run(ctx context.Context, j *Job) (logOutput string, err error)
}

// Manager owns the scratch root and every job directory below it.
type Manager struct {
    cfg    *config.Config
    root   string
    jobs   sync.Map // in-flight jobs by ID
    sem    *semaphore.Weighted
    runner FFmpegRunner
}

func NewManager(cfg *config.Config, runner FFmpegRunner) (*Manager, error) {
    root := cfg.ScratchDir
    if root == "" {
        root = filepath.Join(os.TempDir(), "vid2gif")
    }
    if err := os.MkdirAll(root, 0o750); err != nil {
        return nil, fmt.Errorf("create scratch directory: %w", err)
    }

    m := &Manager{
        cfg:    cfg,
        root:   root,
        runner: runner,
    }
    if cfg.MaxConcurrency > 0 {
        m.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
    }
    return m, nil
}

// Root is the scratch directory that holds one subdirectory per job.
func (m *Manager) Root() string {
    return m.root
}

// NewJob registers a job and creates its private scratch directory.
func (m *Manager) NewJob(req Request) (*Job, error) {
    if err := req.Validate(); err != nil {
        return nil, err
    }

    j := &Job{
        ID:        fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix()),
        Request:   req,
        CreatedAt: time.Now(),
        status:    StatusStaged,
    }
    j.Dir = filepath.Join(m.root, j.ID)
    j.OutputPath = filepath.Join(j.Dir, outputName)

    // Registered before the directory exists so the janitor never sees it unowned.
    m.jobs.Store(j.ID, j)
    if err := os.Mkdir(j.Dir, 0o750); err != nil {
        m.jobs.Delete(j.ID)
        return nil, fmt.Errorf("create job directory: %w", err)
    }

    zap.L().Debug("job created", zap.String("job_id", j.ID), zap.String("dir", j.Dir))
    return j, nil
}

// Stage writes the uploaded bytes into the job directory, enforcing MaxInputSize.
func (m *Manager) Stage(ctx context.Context, j *Job, filename string, r io.Reader) error {
    if err := ctx.Err(); err != nil {
        return err
    }

    path := filepath.Join(j.Dir, "input"+safeExt(filename))
    f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
    if err != nil {
        return fmt.Errorf("create input file: %w", err)
    }
    j.InputPath = path

    src := r
    if m.cfg.MaxInputSize > 0 {
        src = &io.LimitedReader{R: r, N: m.cfg.MaxInputSize + 1}
    }
    written, err := io.Copy(f, src)
    if cerr := f.Close(); err == nil {
        err = cerr
    }
    if err != nil {
        return fmt.Errorf("write input file: %w", err)
    }
    if m.cfg.MaxInputSize > 0 && written > m.cfg.MaxInputSize {
        return fmt.Errorf("%w: more than %d bytes", ErrInputTooLarge, m.cfg.MaxInputSize)
    }

    zap.L().Debug("input staged",
        zap.String("job_id", j.ID),
        zap.String("path", path),
        zap.Int64("bytes", written),
    )
    return nil
}

// Run blocks until the job's ffmpeg process reaches a terminal state.
// A nil error means OutputPath exists and is ready to be streamed.
func (m *Manager) Run(ctx context.Context, j *Job) error {
    if j.InputPath == "" {
        return fmt.Errorf("job %s has no staged input", j.ID)
    }

    j.setStatus(StatusQueued)
    if m.sem != nil {
        if err := m.sem.Acquire(ctx, 1); err != nil {
            j.setStatus(StatusCanceled)
            return fmt.Errorf("waiting for a conversion slot: %w", err)
        }
        defer m.sem.Release(1)
    }

    runCtx := ctx
    if m.cfg.FFTimeout > 0 {
        var cancel context.CancelFunc
        runCtx, cancel = context.WithTimeout(ctx, m.cfg.FFTimeout)
        defer cancel()
    }

    zap.L().Info("processing job",
        zap.String("job_id", j.ID),
        zap.Int("fps", j.Request.FPS),
        zap.Int("width", j.Request.Width),
        zap.String("quality", string(j.Request.Quality)),
        zap.Float64("start", j.Request.Start),
        zap.Float64("duration", j.Request.Duration),
    )
    j.setStatus(StatusProcessing)

    outputLog, err := m.runner.Run(runCtx, j)
    j.setDiagnostic(outputLog)

    if err != nil {
        if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
            zap.L().Warn("job canceled or timed out", zap.String("job_id", j.ID), zap.Error(err))
            j.setStatus(StatusCanceled)
        } else {
            zap.L().Error("job failed", zap.String("job_id", j.ID), zap.Error(err))
            j.setStatus(StatusFailed)
        }
        return err
    }

    if _, err := os.Stat(j.OutputPath); err != nil {
        zap.L().Error("output file was not created",
            zap.String("job_id", j.ID),
            zap.String("path", j.OutputPath),
            zap.Error(err),
        )
        j.setStatus(StatusFailed)
        return ErrOutputMissing
    }

    zap.L().Info("job completed", zap.String("job_id", j.ID))
    j.setStatus(StatusCompleted)
    return nil
}

// Release deletes the job directory and forgets the job. Safe to call twice.
func (m *Manager) Release(j *Job) {
    if err := os.RemoveAll(j.Dir); err != nil {
        zap.L().Error("failed to remove job directory",
            zap.String("job_id", j.ID),
            zap.String("dir", j.Dir),
            zap.Error(err),
        )
    } else {
        zap.L().Debug("job directory removed", zap.String("job_id", j.ID))
    }
    m.jobs.Delete(j.ID)
}

func (m *Manager) Get(jobID string) (*Job, bool) {
    if val, ok := m.jobs.Load(jobID); ok {
        return val.(*Job), true
    }
    return nil, false
}

// List returns the in-flight jobs, oldest first.
func (m *Manager) List() []Snapshot {
    list := []Snapshot{}
    m.jobs.Range(func(key, value interface{}) bool {
        list = append(list, value.(*Job).Snapshot())
        return true
    })
    sort.Slice(list, func(a, b int) bool {
        return list[a].CreatedAt.Before(list[b].CreatedAt)
    })
    return list
}

func (m *Manager) InFlight() int {
    n := 0
    m.jobs.Range(func(key, value interface{}) bool {
        n++
        return true
    })
    return n
}

// Recover removes everything left in the scratch root by a previous process.
// Call it before serving requests.
func (m *Manager) Recover() int {
    n := m.sweep(0)
    if n > 0 {
        zap.L().Info("removed leftover scratch entries", zap.Int("count", n), zap.String("root", m.root))
    }
    return n
}

// CleanupLoop periodically removes job directories older than StaleAfter
// that no in-flight request owns. It returns when ctx is done.
func (m *Manager) CleanupLoop(ctx context.Context) error {
    if m.cfg.StaleAfter <= 0 {
        <-ctx.Done()
        return nil
    }

    ticker := time.NewTicker(m.cfg.StaleAfter / 4)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            zap.L().Info("cleanup loop shutting down")
            return nil
        case <-ticker.C:
            if n := m.sweep(m.cfg.StaleAfter); n > 0 {
                zap.L().Info("removed stale scratch entries", zap.Int("count", n))
            }
        }
    }
}

// sweep removes scratch entries older than maxAge (all of them when maxAge
// is zero), skipping in-flight jobs.
func (m *Manager) sweep(maxAge time.Duration) int {
    entries, err := os.ReadDir(m.root)
    if err != nil {
        zap.L().Error("failed to read scratch directory", zap.String("root", m.root), zap.Error(err))
        return 0
    }

    removed := 0
    for _, e := range entries {
        if _, inFlight := m.jobs.Load(e.Name()); inFlight {
            continue
        }
        if maxAge > 0 {
            info, err := e.Info()
            if err != nil || time.Since(info.ModTime()) < maxAge {
                continue
            }
        }
        path := filepath.Join(m.root, e.Name())
        if err := os.RemoveAll(path); err != nil {
            zap.L().Warn("failed to remove scratch entry", zap.String("path", path), zap.Error(err))
            continue
        }
        removed++
    }
    return removed
}

// safeExt keeps a short alphanumeric extension from the client filename so
// ffmpeg can probe by suffix; anything else is dropped.
func safeExt(filename string) string {
    ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
    if len(ext) < 2 || len(ext) > 8 {
        return ""
    }
    for _, r := range ext[1:] {
        if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
            return ""
        }
    }
    return ext
}
