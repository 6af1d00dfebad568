package api

import (
    "errors"
    "io"
    "mime/multipart"
    "net/http"
    "os"
    "path/filepath"
    "strconv"

    "vid2gif/config"
    "vid2gif/ffmpeg"
    "vid2gif/task"

    "github.com/gin-gonic/gin"
    "github.com/gin-gonic/gin/binding"
    "go.uber.org/zap"
)

// ErrMissingInput is reported when a conversion request carries no video file.
var ErrMissingInput = errors.New("no video file uploaded")

// multipartOverhead is the slack allowed on top of MaxInputSize for the form
// fields and part headers of an upload.
const multipartOverhead = 1 << 20

const downloadName = "output.gif"

type Handler struct {
    jobs *task.Manager
    cfg  *config.Config
}

func NewHandler(m *task.Manager, cfg *config.Config) *Handler {
    return &Handler{
        jobs: m,
        cfg:  cfg,
    }
}

// handleConvert stores the upload, runs ffmpeg and streams the GIF back.
// The job directory is removed on every path out of this handler.
func (h *Handler) handleConvert(c *gin.Context) {
    if h.cfg.MaxInputSize > 0 {
        c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxInputSize+multipartOverhead)
    }

    fileHeader, err := c.FormFile("video")
    if err != nil {
        var maxErr *http.MaxBytesError
        if errors.As(err, &maxErr) {
            c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Uploaded file exceeds size limit"})
            return
        }
        zap.L().Warn("rejected conversion request", zap.Error(ErrMissingInput), zap.NamedError("cause", err))
        c.JSON(http.StatusBadRequest, gin.H{"error": "No video file uploaded"})
        return
    }
    if h.cfg.MaxInputSize > 0 && fileHeader.Size > h.cfg.MaxInputSize {
        c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Uploaded file exceeds size limit"})
        return
    }

    var raw task.RawParams
    if err := c.ShouldBindWith(&raw, binding.FormMultipart); err != nil {
        zap.L().Debug("could not bind form parameters, using defaults", zap.Error(err))
    }
    req := task.ParseRequest(raw)

    j, err := h.jobs.NewJob(req)
    if err != nil {
        zap.L().Error("failed to create job", zap.Error(err))
        c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
        return
    }
    defer h.jobs.Release(j)

    if err := h.stage(c, j, fileHeader); err != nil {
        if errors.Is(err, task.ErrInputTooLarge) {
            c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Uploaded file exceeds size limit"})
            return
        }
        zap.L().Error("failed to store upload", zap.String("job_id", j.ID), zap.Error(err))
        c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store uploaded file"})
        return
    }

    if err := h.jobs.Run(c.Request.Context(), j); err != nil {
        h.respondRunError(c, j, err)
        return
    }

    h.deliver(c, j)
}

func (h *Handler) stage(c *gin.Context, j *task.Job, fh *multipart.FileHeader) error {
    src, err := fh.Open()
    if err != nil {
        return err
    }
    defer src.Close()
    return h.jobs.Stage(c.Request.Context(), j, fh.Filename, src)
}

func (h *Handler) respondRunError(c *gin.Context, j *task.Job, err error) {
    var procErr *ffmpeg.ProcessError
    switch {
    case errors.As(err, &procErr):
        c.JSON(http.StatusInternalServerError, gin.H{
            "error":   "Video conversion failed",
            "details": h.details(j, procErr.Stderr),
        })
    case errors.Is(err, task.ErrOutputMissing):
        c.JSON(http.StatusInternalServerError, gin.H{"error": "Output file was not created"})
    case errors.Is(err, ffmpeg.ErrInsufficientResources):
        c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is busy, try again later"})
    default:
        c.JSON(http.StatusInternalServerError, gin.H{
            "error":   "Video conversion failed",
            "details": h.details(j, err.Error()),
        })
    }
}

// details strips scratch locations from diagnostic text when redaction is on.
func (h *Handler) details(j *task.Job, text string) string {
    if !h.cfg.RedactDetails {
        return text
    }
    sep := string(filepath.Separator)
    return ffmpeg.Redact(text, "", j.Dir+sep, h.jobs.Root()+sep)
}

// deliver streams the finished GIF. Once bytes have been written, errors are
// only logged: the status line has already gone out.
func (h *Handler) deliver(c *gin.Context, j *task.Job) {
    f, err := os.Open(j.OutputPath)
    if err != nil {
        zap.L().Error("failed to open output", zap.String("job_id", j.ID), zap.Error(err))
        c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to download file"})
        return
    }
    defer f.Close()

    c.Header("Content-Type", "image/gif")
    c.Header("Content-Disposition", `attachment; filename="`+downloadName+`"`)
    if info, err := f.Stat(); err == nil {
        c.Header("Content-Length", strconv.FormatInt(info.Size(), 10))
    }
    c.Status(http.StatusOK)

    n, err := io.Copy(c.Writer, f)
    if err != nil {
        zap.L().Error("delivery failed",
            zap.String("job_id", j.ID),
            zap.Int64("bytes_sent", n),
            zap.Error(err),
        )
        if !c.Writer.Written() {
            c.Writer.Header().Del("Content-Length")
            c.Writer.Header().Del("Content-Disposition")
            c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to download file"})
        }
        return
    }
    zap.L().Info("gif delivered", zap.String("job_id", j.ID), zap.Int64("bytes", n))
}

// handleListJobs lists the conversions currently in flight.
func (h *Handler) handleListJobs(c *gin.Context) {
    c.JSON(http.StatusOK, h.jobs.List())
}

func (h *Handler) handleHealth(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"status": "ok", "inFlight": h.jobs.InFlight()})
}
