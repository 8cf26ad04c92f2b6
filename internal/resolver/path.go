package resolver

import (
	"strings"

	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
)

// Normalize validates a path and reduces it to canonical absolute form:
// no empty components, no "." or "..", no trailing slash except the
// root itself. Length limits are enforced before anything else so an
// oversized path never touches a cache.
func Normalize(path string) (string, error) {
	if path == "" {
		return "", errors.New(errors.ErrCodeInvalidPath, "empty path").
			WithComponent("resolver")
	}
	if len(path) > types.PathMax {
		return "", errors.Newf(errors.ErrCodeInvalidPath, "path exceeds %d bytes", types.PathMax).
			WithComponent("resolver")
	}
	if path[0] != '/' {
		return "", errors.Newf(errors.ErrCodeInvalidPath, "path %q is not absolute", path).
			WithComponent("resolver").WithPath(path)
	}

	parts := strings.Split(path, "/")
	stack := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			// ".." at the root resolves to the root.
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			if len(part) > types.NameMax {
				return "", errors.Newf(errors.ErrCodeNameTooLong, "component %q exceeds %d bytes", part, types.NameMax).
					WithComponent("resolver").WithPath(path)
			}
			stack = append(stack, part)
		}
	}
	if len(stack) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(stack, "/"), nil
}

// Split separates a normalized path into its parent directory and final
// component. The root has no parent and splits into ("/", "").
func Split(path string) (dir, name string) {
	if path == "/" {
		return "/", ""
	}
	idx := strings.LastIndexByte(path, '/')
	if idx == 0 {
		return "/", path[1:]
	}
	return path[:idx], path[idx+1:]
}

// components splits a normalized path into its walk steps. The root
// yields no components.
func components(path string) []string {
	if path == "/" {
		return nil
	}
	return strings.Split(path[1:], "/")
}
