package archive

import (
	"path"
	"sort"
	"strings"
)

func dirPrefix(dir string) string {
	dir = cleanResourcePath(dir)
	if dir == "" {
		return ""
	}
	return dir + "/"
}

// listChildren 返回 dir 下的直接子项，子目录带 "/" 后缀。
func listChildren(paths []string, dir string) []string {
	prefix := dirPrefix(dir)
	seen := make(map[string]struct{})
	var out []string
	for _, p := range paths {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i+1]
		}
		if _, ok := seen[rest]; ok {
			continue
		}
		seen[rest] = struct{}{}
		out = append(out, rest)
	}
	sort.Strings(out)
	return out
}

// findMatching 返回 dir 下基名匹配 pattern 的资源完整路径。
func findMatching(paths []string, dir, pattern string, recurse bool) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	prefix := dirPrefix(dir)
	var out []string
	for _, p := range paths {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if !recurse && strings.Contains(rest, "/") {
			continue
		}
		if ok, _ := path.Match(pattern, path.Base(rest)); ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}
