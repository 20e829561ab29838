package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/secure-ocr-client/internal/crop"
)

type received struct {
	content  []byte
	metadata map[string]any
	auth     string
}

type ocrServer struct {
	mu       sync.Mutex
	uploads  []received
	statuses []map[string]any
}

func (s *ocrServer) last() received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[len(s.uploads)-1]
}

func startOCRServer(t *testing.T, statuses ...map[string]any) *ocrServer {
	t.Helper()
	s := &ocrServer{statuses: statuses}

	r := mux.NewRouter()
	r.HandleFunc("/api/documents/upload", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		content, _ := io.ReadAll(file)

		var meta map[string]any
		_ = json.Unmarshal([]byte(r.FormValue("metadata")), &meta)

		s.mu.Lock()
		s.uploads = append(s.uploads, received{content: content, metadata: meta, auth: r.Header.Get("Authorization")})
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"documentId": "doc-1", "jobId": "job-1"})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{documentId}/status", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		next := s.statuses[0]
		if len(s.statuses) > 1 {
			s.statuses = s.statuses[1:]
		}
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(next)
	}).Methods(http.MethodGet)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	dataDir := t.TempDir()
	t.Setenv("BACKEND_BASE_URL", srv.URL)
	t.Setenv("STORAGE_DATA_DIR", dataDir)
	t.Setenv("POLLING_INTERVAL", "10ms")
	t.Setenv("BACKEND_RETRY_INITIAL_BACKOFF", "1ms")
	t.Setenv("BACKEND_RETRY_MAX_BACKOFF", "5ms")
	t.Setenv("LOG_LEVEL", "error")
	return s
}

func run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}, args...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code := Execute(ctx, args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func writeImage(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	path := filepath.Join(t.TempDir(), "receipt.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestKeyFingerprint_IsStable(t *testing.T) {
	startOCRServer(t)

	first, _, code := run(t, "key", "fingerprint")
	require.Equal(t, 0, code)
	second, _, code := run(t, "key", "fingerprint")
	require.Equal(t, 0, code)

	assert.Len(t, strings.TrimSpace(first), 10)
	assert.Equal(t, first, second)
}

func TestUpload_RoundTripsThroughDecrypt(t *testing.T) {
	server := startOCRServer(t,
		map[string]any{"status": "processing", "progress": 50},
		map[string]any{"status": "completed", "progress": 100},
	)
	source := writeImage(t, 64, 48)

	stdout, stderr, code := run(t, "upload", source, "--json")
	require.Equal(t, 0, code, stderr)

	var result uploadResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.Equal(t, "doc-1", result.DocumentID)
	assert.Equal(t, "completed", result.State)
	assert.Equal(t, 100, result.Progress)

	upload := server.last()
	assert.Equal(t, true, upload.metadata["isEncrypted"])
	assert.Equal(t, "1.0", upload.metadata["encryptionVersion"])
	fingerprint, _ := upload.metadata["keyFingerprint"].(string)
	require.Len(t, fingerprint, 10)

	keyOut, _, _ := run(t, "key", "fingerprint")
	assert.Equal(t, fingerprint, strings.TrimSpace(keyOut))

	// The uploaded envelope decodes back to the original image.
	envelope := filepath.Join(t.TempDir(), "doc-1.enc")
	require.NoError(t, os.WriteFile(envelope, upload.content, 0o600))
	output := filepath.Join(t.TempDir(), "restored.png")

	_, stderr, code = run(t, "decrypt", envelope, "--fingerprint", fingerprint, "-o", output)
	require.Equal(t, 0, code, stderr)

	original, err := os.ReadFile(source)
	require.NoError(t, err)
	restored, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, original, restored)

	// A different expected fingerprint is refused.
	_, stderr, code = run(t, "decrypt", envelope, "--fingerprint", "AAAAAzzzzz")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "fingerprint")

	stdout, _, code = run(t, "history")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "doc-1")
	assert.Contains(t, stdout, "completed")
	assert.Contains(t, stdout, "receipt.png")
}

func TestUpload_WithCrop(t *testing.T) {
	startOCRServer(t, map[string]any{"status": "completed"})
	t.Setenv("STORAGE_RETAIN_TEMP_FILES", "true")
	source := writeImage(t, 600, 600)

	_, stderr, code := run(t, "upload", source, "--crop", "100,50,100,100", "--container", "300x200")
	require.Equal(t, 0, code, stderr)

	matches, err := filepath.Glob(filepath.Join(os.Getenv("STORAGE_DATA_DIR"), "cache", "cropped", "cropped_*.jpg"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	size, err := crop.ImageSize(matches[0])
	require.NoError(t, err)
	assert.Equal(t, crop.Size{Width: 300, Height: 300}, size)
}

func TestUpload_CropTooSmall(t *testing.T) {
	startOCRServer(t, map[string]any{"status": "completed"})
	source := writeImage(t, 600, 600)

	_, stderr, code := run(t, "upload", source, "--crop", "0,0,5,5")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "too small")
}

func TestUpload_ServerFailure(t *testing.T) {
	startOCRServer(t, map[string]any{"status": "failed", "errorDetails": "image is blank"})
	source := writeImage(t, 32, 32)

	stdout, stderr, code := run(t, "upload", source)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "doc-1\tfailed")
	assert.Contains(t, stderr, "image is blank")
}

func TestSession_TokenIsSent(t *testing.T) {
	server := startOCRServer(t, map[string]any{"status": "completed"})
	source := writeImage(t, 16, 16)

	_, _, code := run(t, "session", "login", "tok-123")
	require.Equal(t, 0, code)

	_, stderr, code := run(t, "upload", source)
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "Bearer tok-123", server.last().auth)

	_, _, code = run(t, "session", "logout")
	require.Equal(t, 0, code)
	_, stderr, code = run(t, "upload", source)
	require.Equal(t, 0, code, stderr)
	assert.Empty(t, server.last().auth)
}

func TestSession_Language(t *testing.T) {
	startOCRServer(t)

	stdout, _, code := run(t, "session", "language")
	require.Equal(t, 0, code)
	assert.Equal(t, "en\n", stdout)

	_, _, code = run(t, "session", "language", "de")
	require.Equal(t, 0, code)
	stdout, _, _ = run(t, "session", "language")
	assert.Equal(t, "de\n", stdout)
}

func TestStatus(t *testing.T) {
	startOCRServer(t,
		map[string]any{"status": "processing", "progress": 30},
		map[string]any{"status": "failed", "errorDetails": "unreadable"},
	)

	stdout, _, code := run(t, "status", "doc-1")
	require.Equal(t, 0, code)
	assert.Equal(t, "doc-1\tprocessing\t30%\n", stdout)

	stdout, stderr, code := run(t, "status", "doc-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "unreadable")
	assert.Contains(t, stderr, "failed")
}

func TestCachePrune(t *testing.T) {
	startOCRServer(t)
	dir := filepath.Join(os.Getenv("STORAGE_DATA_DIR"), "cache", "encrypted")
	require.NoError(t, os.MkdirAll(dir, 0o700))

	stale := filepath.Join(dir, "encrypted_1.enc")
	fresh := filepath.Join(dir, "encrypted_2.enc")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte("{}"), 0o600))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	stdout, _, code := run(t, "cache", "prune", "--older-than", "24h")
	require.Equal(t, 0, code)
	assert.Equal(t, "removed 1 file(s)\n", stdout)

	_, err := os.Stat(fresh)
	assert.NoError(t, err)
}

func TestOpen_RequiresArchive(t *testing.T) {
	startOCRServer(t)
	_, stderr, code := run(t, "open", "doc-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "archive is disabled")
}

func TestInvalidConfiguration(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "not a url")
	t.Setenv("STORAGE_DATA_DIR", t.TempDir())
	_, stderr, code := run(t, "key", "fingerprint")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid configuration")
}

func TestParseRectAndSize(t *testing.T) {
	r, err := parseRect("10, 20,30.5,40")
	require.NoError(t, err)
	assert.Equal(t, crop.Rect{X: 10, Y: 20, Width: 30.5, Height: 40}, r)

	_, err = parseRect("1,2,3")
	assert.Error(t, err)
	_, err = parseRect("a,b,c,d")
	assert.Error(t, err)

	s, err := parseSize("300x200")
	require.NoError(t, err)
	assert.Equal(t, crop.Size{Width: 300, Height: 200}, s)

	for _, bad := range []string{"300", "0x200", "axb", "-1x5"} {
		_, err := parseSize(bad)
		assert.Error(t, err, bad)
	}
}
