package media

import (
	"context"
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/remote"
)

// Uploader is the remote media upload path.
type Uploader interface {
	UploadMedia(ctx context.Context, filename, contentType string, data []byte) (remote.Media, error)
}

// Ref is a durable reference to uploaded media.
type Ref struct {
	MediaID int64
	URL     string
	Digest  string // BLAKE2b-256 of the file content, empty for remembered refs
}

// Cache memoizes uploads for the lifetime of one batch. Create a new Cache
// per batch: remote media may be deleted out of band between runs.
type Cache struct {
	uploader Uploader
	resolver Resolver
	log      *zap.Logger

	byPath   map[string]Ref
	byDigest map[string]Ref
	uploads  int
}

// NewCache returns an empty batch-scoped cache.
func NewCache(uploader Uploader, resolver Resolver, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		uploader: uploader,
		resolver: resolver,
		log:      log,
		byPath:   map[string]Ref{},
		byDigest: map[string]Ref{},
	}
}

// Uploads reports how many files were actually sent during this batch.
func (c *Cache) Uploads() int { return c.uploads }

// Remember records an already-uploaded image so later references to the
// same path reuse its media id instead of uploading again.
func (c *Cache) Remember(localPath string, ref Ref) {
	key := cacheKey(localPath)
	if key == "" || ref.MediaID <= 0 {
		return
	}
	if _, ok := c.byPath[key]; !ok {
		c.byPath[key] = ref
	}
}

// Upload sends the file behind localPath unless this batch already did, by
// path or by identical content.
func (c *Cache) Upload(ctx context.Context, localPath string) (Ref, error) {
	key := cacheKey(localPath)
	if ref, ok := c.byPath[key]; ok {
		return ref, nil
	}

	fsPath, err := c.resolver.Resolve(localPath)
	if err != nil {
		return Ref{}, err
	}
	data, err := os.ReadFile(fsPath)
	if err != nil {
		return Ref{}, fmt.Errorf("read %s: %w", fsPath, err)
	}
	sum := blake2b.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if ref, ok := c.byDigest[digest]; ok {
		c.byPath[key] = ref
		c.log.Debug("media reused by content", zap.String("path", localPath), zap.Int64("media_id", ref.MediaID))
		return ref, nil
	}

	m, err := c.uploader.UploadMedia(ctx, filepath.Base(fsPath), contentType(fsPath, data), data)
	if err != nil {
		return Ref{}, fmt.Errorf("upload %s: %w", localPath, err)
	}
	c.uploads++
	ref := Ref{MediaID: m.ID, URL: m.SourceURL, Digest: digest}
	c.byPath[key] = ref
	c.byDigest[digest] = ref
	c.log.Info("media uploaded",
		zap.String("path", localPath),
		zap.Int64("media_id", m.ID),
		zap.Int("bytes", len(data)),
	)
	return ref, nil
}

// Attach returns img with a remote media id: pending images are uploaded,
// active ones are remembered for reuse.
func (c *Cache) Attach(ctx context.Context, img model.Image) (model.Image, error) {
	if img.Uploaded() {
		c.Remember(img.LocalPath, Ref{MediaID: img.RemoteMediaID, URL: img.RemoteURL})
		return img, nil
	}
	ref, err := c.Upload(ctx, img.LocalPath)
	if err != nil {
		return img, err
	}
	img.RemoteMediaID = ref.MediaID
	img.RemoteURL = ref.URL
	img.Status = model.ImageActive
	return img, nil
}

func cacheKey(localPath string) string {
	p := strings.TrimSpace(localPath)
	if p == "" {
		return ""
	}
	return path.Clean(filepath.ToSlash(p))
}

func contentType(fsPath string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(fsPath))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
