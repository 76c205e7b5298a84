package archive

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/zeus-plugin/pkg/manifest"
)

// writeArtifact 在 dir 下生成 zip 制品，files 的键为条目路径。
func writeArtifact(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func pluginFiles(name, ver string, extra map[string]string) map[string]string {
	files := map[string]string{
		manifest.ManifestPath: "Plugin-SymbolicName: " + name + "\nPlugin-Version: " + ver + "\n",
	}
	for k, v := range extra {
		files[k] = v
	}
	return files
}

func openSQLiteStore(t *testing.T, dbPath string) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = dbPath
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	return s
}

// touch 将文件修改时间推后，模拟制品被替换。
func touch(t *testing.T, path string, d time.Duration) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	mt := info.ModTime().Add(d)
	require.NoError(t, os.Chtimes(path, mt, mt))
}

func tempPath(t *testing.T, name string) string {
	return filepath.Join(t.TempDir(), name)
}
