// vid2gif/api/handler_test.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/gif"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"vid2gif/config"
	"vid2gif/ffmpeg"
	"vid2gif/task"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scriptCopy     = `cat "$in" > "$out"`
	scriptFail     = `echo "boom: $in: Invalid data found when processing input" >&2; exit 1`
	scriptNoOutput = `exit 0`
	scriptSlow     = `sleep 0.5; cat "$in" > "$out"`
	scriptHang     = `exec sleep 5`
)

// writeFakeFFmpeg installs a shell script standing in for ffmpeg. It records
// its arguments one per line in argsFile and runs body with $in and $out set.
func writeFakeFFmpeg(t *testing.T, body string) (bin, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg needs a POSIX shell")
	}
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args.txt")
	bin = filepath.Join(dir, "ffmpeg")
	script := "#!/bin/sh\n" +
		"in=''; prev=''\n" +
		"for a in \"$@\"; do\n" +
		"  if [ \"$prev\" = \"-i\" ]; then in=\"$a\"; fi\n" +
		"  prev=\"$a\"\n" +
		"done\n" +
		"out=\"$prev\"\n" +
		"printf '%s\\n' \"$@\" > '" + argsFile + "'\n" +
		body + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, argsFile
}

func skipIfNoFFmpeg(t *testing.T) string {
	t.Helper()
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	return bin
}

func testConfig(t *testing.T, bin string) *config.Config {
	t.Helper()
	return &config.Config{
		FFBin:          bin,
		FFTimeout:      30 * time.Second,
		MaxInputSize:   1 << 20,
		MaxConcurrency: 2,
		ScratchDir:     filepath.Join(t.TempDir(), "scratch"),
		StaleAfter:     time.Hour,
		RedactDetails:  true,
		AllowedOrigin:  "http://localhost:5173",
	}
}

func setupTestRouter(t *testing.T, cfg *config.Config) (*gin.Engine, *task.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	runner, err := ffmpeg.NewRunner(cfg)
	require.NoError(t, err)
	tm, err := task.NewManager(cfg, runner)
	require.NoError(t, err)
	return SetupRouter(tm, cfg), tm
}

// newUploadRequest builds a multipart POST /convert. No file part is added
// when filename is empty.
func newUploadRequest(t *testing.T, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("video", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/convert", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func readArgs(t *testing.T, argsFile string) []string {
	t.Helper()
	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func assertScratchEmpty(t *testing.T, tm *task.Manager) {
	t.Helper()
	entries, err := os.ReadDir(tm.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, tm.InFlight())
}

func TestHandleConvert_MissingVideo(t *testing.T) {
	bin, argsFile := writeFakeFFmpeg(t, scriptCopy)
	router, tm := setupTestRouter(t, testConfig(t, bin))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newUploadRequest(t, map[string]string{"fps": "10"}, "", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"No video file uploaded"}`, w.Body.String())
	assert.NoFileExists(t, argsFile)
	assertScratchEmpty(t, tm)
}

func TestHandleConvert_Success(t *testing.T) {
	bin, argsFile := writeFakeFFmpeg(t, scriptCopy)
	router, tm := setupTestRouter(t, testConfig(t, bin))

	content := []byte("GIF89a pretend this is a gif")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, newUploadRequest(t, nil, "clip.mp4", content))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="output.gif"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, content, w.Body.Bytes())

	args := readArgs(t, argsFile)
	assert.NotContains(t, args, "-ss")
	assert.NotContains(t, args, "-t")
	assert.Contains(t, args, "fps=24,scale=720:-1:flags=lanczos,split[s0][s1];[s0]palettegen=max_colors=256[p];[s1][p]paletteuse")
	assert.Equal(t, "output.gif", filepath.Base(args[len(args)-1]))
	assert.True(t, strings.HasPrefix(args[len(args)-1], tm.Root()))

	assertScratchEmpty(t, tm)
}

func TestHandleConvert_Parameters(t *testing.T) {
	t.Run("valid parameters are applied", func(t *testing.T) {
		bin, argsFile := writeFakeFFmpeg(t, scriptCopy)
		router, _ := setupTestRouter(t, testConfig(t, bin))

		fields := map[string]string{"fps": "10", "width": "320", "quality": "low", "start": "1.5", "duration": "3"}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, newUploadRequest(t, fields, "clip.mov", []byte("data")))
		require.Equal(t, http.StatusOK, w.Code)

		args := readArgs(t, argsFile)
		joined := strings.Join(args, " ")
		assert.Contains(t, joined, "-ss 1.5 -i ")
		assert.Contains(t, joined, " -t 3 ")
		assert.Contains(t, args, "fps=10,scale=320:-1:flags=lanczos,split[s0][s1];[s0]palettegen=max_colors=64[p];[s1][p]paletteuse")
	})

	t.Run("malformed parameters fall back to defaults", func(t *testing.T) {
		bin, argsFile := writeFakeFFmpeg(t, scriptCopy)
		router, _ := setupTestRouter(t, testConfig(t, bin))

		fields := map[string]string{"fps": "abc", "width": "-5", "quality": "ultra", "start": "x", "duration": "-1"}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, newUploadRequest(t, fields, "clip.mp4", []byte("data")))
		require.Equal(t, http.StatusOK, w.Code)

		args := readArgs(t, argsFile)
		assert.NotContains(t, args, "-ss")
		assert.NotContains(t, args, "-t")
		assert.Contains(t, args, "fps=24,scale=720:-1:flags=lanczos,split[s0][s1];[s0]palettegen=max_colors=256[p];[s1][p]paletteuse")
	})
}

func TestHandleConvert_ConversionFailure(t *testing.T) {
	bin, _ := writeFakeFFmpeg(t, scriptFail)
	router, tm := setupTestRouter(t, testConfig(t, bin))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newUploadRequest(t, nil, "clip.mp4", []byte("garbage")))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Video conversion failed", resp["error"])
	assert.Contains(t, resp["details"], "boom")
	assert.Contains(t, resp["details"], "input.mp4: Invalid data found")
	assert.NotContains(t, resp["details"], tm.Root())

	assertScratchEmpty(t, tm)
}

func TestHandleConvert_UnredactedDetails(t *testing.T) {
	bin, _ := writeFakeFFmpeg(t, scriptFail)
	cfg := testConfig(t, bin)
	cfg.RedactDetails = false
	router, tm := setupTestRouter(t, cfg)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newUploadRequest(t, nil, "clip.mp4", []byte("garbage")))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), tm.Root())
}

func TestHandleConvert_OutputMissing(t *testing.T) {
	bin, _ := writeFakeFFmpeg(t, scriptNoOutput)
	router, tm := setupTestRouter(t, testConfig(t, bin))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newUploadRequest(t, nil, "clip.mp4", []byte("data")))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Output file was not created"}`, w.Body.String())
	assertScratchEmpty(t, tm)
}

func TestHandleConvert_TooLarge(t *testing.T) {
	bin, argsFile := writeFakeFFmpeg(t, scriptCopy)
	cfg := testConfig(t, bin)
	cfg.MaxInputSize = 1024
	router, tm := setupTestRouter(t, cfg)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newUploadRequest(t, nil, "clip.mp4", bytes.Repeat([]byte("a"), 4096)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.JSONEq(t, `{"error":"Uploaded file exceeds size limit"}`, w.Body.String())
	assert.NoFileExists(t, argsFile)
	assertScratchEmpty(t, tm)
}

func TestHandleConvert_ClientDisconnect(t *testing.T) {
	bin, _ := writeFakeFFmpeg(t, scriptHang)
	router, tm := setupTestRouter(t, testConfig(t, bin))

	ctx, cancel := context.WithCancel(context.Background())
	req := newUploadRequest(t, nil, "clip.mp4", []byte("data")).WithContext(ctx)
	go func() {
		defer cancel()
		assert.Eventually(t, func() bool {
			list := tm.List()
			return len(list) == 1 && list[0].Status == task.StatusProcessing
		}, 2*time.Second, 10*time.Millisecond)
	}()

	start := time.Now()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assertScratchEmpty(t, tm)
}

func TestHandleConvert_ConcurrentRequests(t *testing.T) {
	bin, _ := writeFakeFFmpeg(t, scriptSlow)
	router, tm := setupTestRouter(t, testConfig(t, bin))

	bodies := [][]byte{[]byte("first upload"), []byte("second upload, longer")}
	results := make([][]byte, len(bodies))
	codes := make([]int, len(bodies))

	reqs := make([]*http.Request, len(bodies))
	for i, b := range bodies {
		reqs[i] = newUploadRequest(t, nil, "clip.mp4", b)
	}

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *http.Request) {
			defer wg.Done()
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			codes[i] = w.Code
			results[i] = w.Body.Bytes()
		}(i, req)
	}
	wg.Wait()

	for i := range bodies {
		assert.Equal(t, http.StatusOK, codes[i])
		assert.Equal(t, bodies[i], results[i])
	}
	assertScratchEmpty(t, tm)
}

func TestHandleListJobsAndHealth(t *testing.T) {
	bin, _ := writeFakeFFmpeg(t, scriptSlow)
	router, _ := setupTestRouter(t, testConfig(t, bin))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	upload := newUploadRequest(t, map[string]string{"fps": "12"}, "clip.mp4", []byte("data"))
	done := make(chan int, 1)
	go func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, upload)
		done <- w.Code
	}()

	assert.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs", nil))
		var jobs []task.Snapshot
		if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil || len(jobs) != 1 {
			return false
		}
		return jobs[0].Status == task.StatusProcessing && jobs[0].Request.FPS == 12
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusOK, <-done)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","inFlight":0}`, w.Body.String())
}

func TestCORS(t *testing.T) {
	bin, argsFile := writeFakeFFmpeg(t, scriptCopy)
	router, _ := setupTestRouter(t, testConfig(t, bin))

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "http://evil.example")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/convert", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		req.Header.Set("Access-Control-Request-Method", "POST")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
		assert.NoFileExists(t, argsFile)
	})
}

func TestAuthMiddleware(t *testing.T) {
	bin, argsFile := writeFakeFFmpeg(t, scriptCopy)
	cfg := testConfig(t, bin)
	cfg.AuthEnable = true
	cfg.AuthKey = "test-secret"
	router, _ := setupTestRouter(t, cfg)

	t.Run("Missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, newUploadRequest(t, nil, "clip.mp4", []byte("data")))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoFileExists(t, argsFile)
	})

	t.Run("Invalid token", func(t *testing.T) {
		req := newUploadRequest(t, nil, "clip.mp4", []byte("data"))
		req.Header.Set("Authorization", "Bearer wrong")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Valid token", func(t *testing.T) {
		req := newUploadRequest(t, nil, "clip.mp4", []byte("data"))
		req.Header.Set("Authorization", "Bearer test-secret")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Health stays open", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHandleConvert_RealFFmpeg(t *testing.T) {
	bin := skipIfNoFFmpeg(t)

	input := filepath.Join(t.TempDir(), "testsrc.mp4")
	gen := exec.Command(bin, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=2:size=640x360:rate=25",
		"-c:v", "mpeg4", "-pix_fmt", "yuv420p", input)
	out, err := gen.CombinedOutput()
	require.NoError(t, err, string(out))
	content, err := os.ReadFile(input)
	require.NoError(t, err)

	cfg := testConfig(t, bin)
	cfg.MaxInputSize = 50 << 20
	cfg.FFExtraArgs = "-hide_banner"
	router, tm := setupTestRouter(t, cfg)

	fields := map[string]string{"fps": "10", "width": "320", "quality": "low"}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, newUploadRequest(t, fields, "testsrc.mp4", content))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	g, err := gif.DecodeAll(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 320, g.Config.Width)
	assert.Equal(t, 180, g.Config.Height)
	assert.Equal(t, 0, g.LoopCount)
	assert.Greater(t, len(g.Image), 1)
	for _, d := range g.Delay {
		assert.Equal(t, 10, d)
	}

	colors := map[[3]uint32]struct{}{}
	for _, frame := range g.Image {
		b := frame.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				cr, cg, cb, ca := frame.Palette[frame.ColorIndexAt(x, y)].RGBA()
				if ca == 0 {
					continue
				}
				colors[[3]uint32{cr, cg, cb}] = struct{}{}
			}
		}
	}
	assert.LessOrEqual(t, len(colors), 64)

	assertScratchEmpty(t, tm)
}
