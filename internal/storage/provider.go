// Package storage defines the vault file-system abstraction.
package storage

import (
	"path"
	"strings"

	"github.com/starford/ansuz/internal/models"
)

// Provider is the interface for vault file operations. All paths are
// slash-separated and relative to the vault root.
type Provider interface {
	// Root returns the absolute vault root.
	Root() string
	// Resolve maps a relative path to an absolute one inside the vault,
	// rejecting anything that escapes the root.
	Resolve(rel string) (string, error)
	// List returns every visible Markdown file under dir.
	List(dir string) ([]models.FileInfo, error)
	// Stat returns size and modification time of a single file.
	Stat(rel string) (models.FileInfo, error)
	// Read returns the raw bytes of the file at rel.
	Read(rel string) ([]byte, error)
	// Write atomically writes content to rel, creating parent directories.
	Write(rel string, content []byte) error
	// Delete removes the file at rel.
	Delete(rel string) error
}

// IsMarkdown reports whether p names a Markdown file.
func IsMarkdown(p string) bool {
	return strings.EqualFold(path.Ext(p), ".md")
}

// IsHidden reports whether any segment of the slash path p is a dotfile.
func IsHidden(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}

// Indexable reports whether rel is a visible Markdown file.
func Indexable(rel string) bool {
	return IsMarkdown(rel) && !IsHidden(rel)
}
