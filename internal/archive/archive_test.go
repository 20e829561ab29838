package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedObject struct {
	body     []byte
	metadata map[string]string
}

// mockAPI is an in-memory ObjectAPI.
type mockAPI struct {
	mu      sync.Mutex
	objects map[string]storedObject
	putErr  error
}

func newMockAPI() *mockAPI {
	return &mockAPI{objects: make(map[string]storedObject)}
}

func (m *mockAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = storedObject{body: body, metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist."}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.body)),
		Metadata: obj.metadata,
	}, nil
}

func (m *mockAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func writeEnvelope(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1700000000000.enc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestArchive_PutFetch(t *testing.T) {
	api := newMockAPI()
	a := NewWithAPI(api, "ocr-archive", "envelopes/", nil)
	ctx := context.Background()

	envelope := `{"content":"QUJD","version":"1.0"}`
	meta := map[string]string{"key-fingerprint": "ABCDEvwxyz", "encryption-version": "1.0"}
	require.NoError(t, a.Put(ctx, "doc-42", writeEnvelope(t, envelope), meta))

	stored, ok := api.objects["ocr-archive/envelopes/doc-42.enc"]
	require.True(t, ok)
	assert.Equal(t, envelope, string(stored.body))

	dir := t.TempDir()
	got, err := a.Fetch(ctx, "doc-42", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "doc-42.enc"), got.Path)
	assert.Equal(t, meta, got.Metadata)

	data, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.Equal(t, envelope, string(data))
}

func TestArchive_FetchMissing(t *testing.T) {
	a := NewWithAPI(newMockAPI(), "ocr-archive", "", nil)

	_, err := a.Fetch(context.Background(), "nope", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestArchive_PutErrors(t *testing.T) {
	api := newMockAPI()
	a := NewWithAPI(api, "ocr-archive", "", nil)

	err := a.Put(context.Background(), "doc", filepath.Join(t.TempDir(), "missing.enc"), nil)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	api.putErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	err = a.Put(context.Background(), "doc", writeEnvelope(t, "{}"), nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "AccessDenied", apiErr.ErrorCode())
}

func TestArchive_Delete(t *testing.T) {
	api := newMockAPI()
	a := NewWithAPI(api, "ocr-archive", "p/", nil)
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "doc", writeEnvelope(t, "{}"), nil))
	require.NoError(t, a.Delete(ctx, "doc"))

	_, err := a.Fetch(ctx, "doc", t.TempDir())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestArchive_KeySanitizesIDs(t *testing.T) {
	a := NewWithAPI(newMockAPI(), "b", "envelopes/", nil)
	assert.Equal(t, "envelopes/doc-1.enc", a.Key("doc-1"))
	assert.Equal(t, "envelopes/__etc_passwd.enc", a.Key("../etc/passwd"))
}
