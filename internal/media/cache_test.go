package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/remote"
)

type fakeUploader struct {
	calls []string
	next  int64
	err   error
}

func (f *fakeUploader) UploadMedia(_ context.Context, filename, _ string, _ []byte) (remote.Media, error) {
	f.calls = append(f.calls, filename)
	if f.err != nil {
		return remote.Media{}, f.err
	}
	f.next++
	return remote.Media{ID: 100 + f.next, SourceURL: "https://cdn/" + filename}, nil
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
}

func TestCache_SamePathUploadedOnce(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "products/mug.jpg", "jpegbytes")

	up := &fakeUploader{}
	c := NewCache(up, Resolver{Root: root, PublicPrefix: "/uploads"}, zaptest.NewLogger(t))

	a, err := c.Upload(context.Background(), "/uploads/products/mug.jpg")
	require.NoError(t, err)
	b, err := c.Upload(context.Background(), "/uploads/products/./mug.jpg")
	require.NoError(t, err)

	require.Equal(t, a.MediaID, b.MediaID)
	require.Len(t, up.calls, 1)
	require.Equal(t, 1, c.Uploads())
	require.Equal(t, "mug.jpg", up.calls[0])
}

func TestCache_IdenticalContentDifferentPathsReused(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.png", "same")
	writeFile(t, root, "b.png", "same")

	up := &fakeUploader{}
	c := NewCache(up, Resolver{Root: root}, nil)

	a, err := c.Upload(context.Background(), "a.png")
	require.NoError(t, err)
	b, err := c.Upload(context.Background(), "b.png")
	require.NoError(t, err)
	require.Equal(t, a.MediaID, b.MediaID)
	require.NotEmpty(t, a.Digest)
	require.Len(t, up.calls, 1)
}

func TestCache_MissingFileFailsWithoutUpload(t *testing.T) {
	up := &fakeUploader{}
	c := NewCache(up, Resolver{Root: t.TempDir(), PublicPrefix: "/uploads"}, nil)

	_, err := c.Upload(context.Background(), "/uploads/nope.jpg")
	require.ErrorIs(t, err, errs.ErrMediaFileNotFound)
	require.Contains(t, err.Error(), "/uploads/nope.jpg")
	require.Empty(t, up.calls)
}

func TestCache_UploadErrorPropagates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "x.jpg", "x")
	c := NewCache(&fakeUploader{err: errors.New("http 500")}, Resolver{Root: root}, nil)

	_, err := c.Upload(context.Background(), "x.jpg")
	require.Error(t, err)
	require.Contains(t, err.Error(), "x.jpg")
}

func TestCache_FreshCachePerBatch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "x.jpg", "x")
	up := &fakeUploader{}

	_, err := NewCache(up, Resolver{Root: root}, nil).Upload(context.Background(), "x.jpg")
	require.NoError(t, err)
	_, err = NewCache(up, Resolver{Root: root}, nil).Upload(context.Background(), "x.jpg")
	require.NoError(t, err)
	require.Len(t, up.calls, 2)
}

func TestCache_AttachRemembersActiveImages(t *testing.T) {
	up := &fakeUploader{}
	c := NewCache(up, Resolver{Root: t.TempDir()}, nil)

	active := model.Image{LocalPath: "/uploads/main.jpg", RemoteMediaID: 55, RemoteURL: "https://cdn/main.jpg", Status: model.ImageActive}
	got, err := c.Attach(context.Background(), active)
	require.NoError(t, err)
	require.Equal(t, active, got)

	pending := model.Image{LocalPath: "/uploads/main.jpg", Status: model.ImagePending}
	got, err = c.Attach(context.Background(), pending)
	require.NoError(t, err)
	require.Equal(t, int64(55), got.RemoteMediaID)
	require.Equal(t, model.ImageActive, got.Status)
	require.Empty(t, up.calls)
}

func TestResolver(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "img/a.jpg", "a")
	abs := filepath.Join(t.TempDir(), "abs.jpg")
	require.NoError(t, os.WriteFile(abs, []byte("z"), 0o600))

	r := Resolver{Root: root, PublicPrefix: "/uploads/"}

	p, err := r.Resolve("/uploads/img/a.jpg")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "img", "a.jpg"), p)

	p, err = r.Resolve("img/a.jpg")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "img", "a.jpg"), p)

	p, err = r.Resolve(abs)
	require.NoError(t, err)
	require.Equal(t, abs, p)

	_, err = r.Resolve("../outside.jpg")
	require.ErrorIs(t, err, errs.ErrMediaFileNotFound)

	_, err = r.Resolve("/uploads/img")
	require.ErrorIs(t, err, errs.ErrMediaFileNotFound)

	_, err = r.Resolve("")
	require.ErrorIs(t, err, errs.ErrMediaFileNotFound)
}
