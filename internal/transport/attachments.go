package transport

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/archety/edged/internal/types"
)

// PathResolver maps a chat datastore's stored attachment path (which may be
// home-relative, attachments-root-relative, or absolute) to a verified
// absolute path within the configured attachments root.
type PathResolver struct {
	root string
	home string
}

// NewPathResolver builds a resolver rooted at attachmentsRoot. home is the
// directory tilde expansion is relative to; pass "" to use os.UserHomeDir.
func NewPathResolver(attachmentsRoot, home string) (*PathResolver, error) {
	absRoot, err := filepath.Abs(attachmentsRoot)
	if err != nil {
		return nil, err
	}
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		home = h
	}
	return &PathResolver{root: filepath.Clean(absRoot), home: home}, nil
}

// Resolve expands tildes, resolves relative paths against the attachments
// root, canonicalises the result, and verifies it lies within the root. It
// returns ("", false) if the path cannot be verified or does not exist.
func (p *PathResolver) Resolve(stored string) (string, bool) {
	if stored == "" {
		return "", false
	}

	expanded := stored
	if strings.HasPrefix(expanded, "~/") {
		expanded = filepath.Join(p.home, expanded[2:])
	} else if expanded == "~" {
		expanded = p.home
	}

	var candidate string
	if filepath.IsAbs(expanded) {
		candidate = expanded
	} else {
		candidate = filepath.Join(p.root, expanded)
	}

	canonical, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		// Fall back to a lexical clean if the file can't be stat'd yet
		// (EvalSymlinks requires existence); existence is still checked
		// below.
		canonical = filepath.Clean(candidate)
	}

	if !withinRoot(canonical, p.root) {
		return "", false
	}
	if _, err := os.Stat(canonical); err != nil {
		return "", false
	}
	return canonical, true
}

func withinRoot(candidate, root string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// ResolveAttachment mutates att in place, setting AbsolutePath only if the
// stored RelativePath resolves to a file inside the attachments root.
func (p *PathResolver) ResolveAttachment(att *types.Attachment) {
	if att.RelativePath == "" {
		return
	}
	if abs, ok := p.Resolve(att.RelativePath); ok {
		att.AbsolutePath = abs
	}
}
