package archive

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/zeus-plugin/pkg/manifest"
)

// Artifact 是从插件制品读取的内容。
type Artifact struct {
	Headers      manifest.Headers
	Resources    []Resource
	LastModified time.Time
}

// ReadArtifact 读取 zip 制品或已展开的目录。缺少清单时返回空头部，
// 由上层清单校验拒绝。
func ReadArtifact(localPath string) (*Artifact, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "archive: stat %s", localPath), ErrArtifact)
	}

	var res []Resource
	if info.IsDir() {
		res, err = readDir(localPath)
	} else {
		res, err = readZip(localPath)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "archive: read %s", localPath), ErrArtifact)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Path < res[j].Path })

	art := &Artifact{
		Headers:      manifest.Headers{},
		Resources:    res,
		LastModified: info.ModTime(),
	}
	for _, candidate := range manifest.Files {
		r := findResource(res, candidate)
		if r == nil {
			continue
		}
		h, err := manifest.Parse(candidate, r.Data)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "archive: %s in %s", candidate, localPath), ErrArtifact)
		}
		art.Headers = h
		break
	}
	return art, nil
}

func findResource(res []Resource, p string) *Resource {
	for i := range res {
		if res[i].Path == p {
			return &res[i]
		}
	}
	return nil
}

func readZip(localPath string) ([]Resource, error) {
	zr, err := zip.OpenReader(localPath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	res := make([]Resource, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := cleanResourcePath(f.Name)
		if name == "" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		res = append(res, Resource{Path: name, Data: data})
	}
	return res, nil
}

func readDir(root string) ([]Resource, error) {
	var res []Resource
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		res = append(res, Resource{Path: cleanResourcePath(filepath.ToSlash(rel)), Data: data})
		return nil
	})
	return res, err
}

// cleanResourcePath 归一化为不带前导 "/" 的相对路径，拒绝越出根目录的条目。
func cleanResourcePath(p string) string {
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	if p == "/" {
		return ""
	}
	return p[1:]
}

// ModTime 返回制品的修改时间。
func ModTime(localPath string) (time.Time, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
