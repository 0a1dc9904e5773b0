package artifact

import (
	"context"
	"errors"
	"mime"
	"strconv"
	"strings"
	"unicode"

	"github.com/phrazzld/storyboard-worker/internal/task"
)

// ErrUploadFailed is returned when an object could not be stored durably.
var ErrUploadFailed = errors.New("artifact upload failed")

// Object is a blob to be stored under Key.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
}

// Ref is the durable address of a stored object.
type Ref struct {
	// Key is the object key inside the bucket.
	Key string
	// URL is the CDN-resolvable address of the object.
	URL string
}

// Store persists generated artifacts.
type Store interface {
	// Put stores obj and returns its durable reference. A returned error means
	// the object must be treated as not stored.
	Put(ctx context.Context, obj Object) (Ref, error)
}

const maxSlugRunes = 64

// KeyFor returns the object key for a task's artifact:
//
//	<prefix>/<drama>/<episode>/<subject type plural>/<entity>-<task id prefix>.<ext>
//
// Missing drama names become "_" and a missing entity name falls back to the
// subject id.
func KeyFor(prefix string, t *task.Task, ext string) string {
	drama := slug(t.Metadata.DramaName)
	if drama == "" {
		drama = "_"
	}
	name := slug(t.Metadata.EntityName)
	if name == "" {
		name = slug(t.SubjectID)
	}
	if name == "" {
		name = "item"
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}

	parts := make([]string, 0, 5)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts,
		drama,
		strconv.Itoa(t.Metadata.EpisodeNumber),
		t.SubjectType.Plural(),
		name+"-"+t.ID.String()[:8]+"."+ext,
	)
	return strings.Join(parts, "/")
}

// ExtensionFor picks a file extension for an artifact content type.
func ExtensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "bin"
	}
	switch mediaType {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}

// slug lowercases s and replaces every run of characters that are not
// letters or digits with a single dash. Non-ASCII letters are kept.
func slug(s string) string {
	var b strings.Builder
	dash := false
	n := 0
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if n >= maxSlugRunes {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			n++
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
			n++
		}
	}
	return strings.TrimRight(b.String(), "-")
}
