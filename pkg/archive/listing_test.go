package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListChildren(t *testing.T) {
	paths := []string{"a/b/c.txt", "a/b/d.txt", "a/e.txt", "a/f/g/h.txt", "ab.txt", "z.txt"}

	assert.Equal(t, []string{"a/", "ab.txt", "z.txt"}, listChildren(paths, ""))
	assert.Equal(t, []string{"b/", "e.txt", "f/"}, listChildren(paths, "a"))
	assert.Equal(t, []string{"b/", "e.txt", "f/"}, listChildren(paths, "/a/"))
	assert.Equal(t, []string{"g/"}, listChildren(paths, "a/f"))
	assert.Empty(t, listChildren(paths, "missing"))
}

func TestFindMatching(t *testing.T) {
	paths := []string{"a/b/c.txt", "a/b/d.log", "a/e.txt", "z.txt"}

	got, err := findMatching(paths, "a", "*.txt", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/e.txt"}, got)

	got, err = findMatching(paths, "a", "*.txt", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b/c.txt", "a/e.txt"}, got)

	got, err = findMatching(paths, "", "", true)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	_, err = findMatching(paths, "", "[", true)
	assert.Error(t, err)
}

func TestCleanResourcePath(t *testing.T) {
	assert.Equal(t, "a/b", cleanResourcePath("/a//b/"))
	assert.Equal(t, "b", cleanResourcePath("../../b"))
	assert.Equal(t, "", cleanResourcePath("/"))
}
