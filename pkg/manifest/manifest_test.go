package manifest

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/zeus-plugin/pkg/version"
)

func TestParseHeader(t *testing.T) {
	clauses, err := ParseHeader(`a.b;c.d; plugin-version="[1.0,2.0)" ;resolution:=optional, e; x:y=1`)
	require.NoError(t, err)
	require.Len(t, clauses, 2)

	assert.Equal(t, []string{"a.b", "c.d"}, clauses[0].Keys)
	assert.Equal(t, "[1.0,2.0)", clauses[0].Attributes["plugin-version"])
	assert.Equal(t, "optional", clauses[0].Directives["resolution"])

	assert.Equal(t, []string{"e"}, clauses[1].Keys)
	assert.Equal(t, "1", clauses[1].Attributes["x:y"])
}

func TestParseHeaderQuoted(t *testing.T) {
	clauses, err := ParseHeader(`p;note="a \"quoted\", value;here"`)
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, `a "quoted", value;here`, clauses[0].Attributes["note"])
}

func TestParseHeaderErrors(t *testing.T) {
	for _, raw := range []string{
		`a;b="unterminated`,
		`a;x=1;b`,
		`;x=1`,
		`a,,b`,
		`a;x=`,
		`a "b"`,
	} {
		_, err := ParseHeader(raw)
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, ErrSyntax), raw)
	}

	clauses, err := ParseHeader("   ")
	require.NoError(t, err)
	assert.Empty(t, clauses)
}

func TestParseRequirePlugins(t *testing.T) {
	reqs, err := ParseRequirePlugins(`org.b;plugin-version="[1.0,2.0)", org.c;resolution:=optional, org.d;org.e;plugin-version=1.5`)
	require.NoError(t, err)
	require.Len(t, reqs, 4)

	assert.Equal(t, "org.b", reqs[0].Name)
	assert.True(t, reqs[0].Range.Includes(version.MustParse("1.5")))
	assert.False(t, reqs[0].Range.Includes(version.MustParse("2.0")))
	assert.False(t, reqs[0].IsOptional())

	assert.Equal(t, "org.c", reqs[1].Name)
	assert.True(t, reqs[1].IsOptional())
	assert.True(t, reqs[1].Range.IsUnbounded())

	assert.Equal(t, "org.d", reqs[2].Name)
	assert.Equal(t, "org.e", reqs[3].Name)
	assert.True(t, reqs[3].Matches("org.e", version.MustParse("1.5")))
	assert.False(t, reqs[3].Matches("org.e", version.MustParse("1.4")))

	assert.Equal(t, `org.b;plugin-version="[1.0.0,2.0.0)"`, reqs[0].String())
	assert.Equal(t, `org.c;resolution:=optional`, reqs[1].String())

	_, err = ParseRequirePlugins(`org.b;resolution:=sometimes`)
	assert.True(t, errors.Is(err, ErrInvalidHeader))

	_, err = ParseRequirePlugins(`org.b;plugin-version="[x,y)"`)
	assert.True(t, errors.Is(err, ErrInvalidHeader))
}

func TestParseMF(t *testing.T) {
	data := []byte("Manifest-Version: 1.0\r\n" +
		"Plugin-SymbolicName: org.a\r\n" +
		"Require-Plugin: org.b;plugin-version=\"[1.0,2.0)\",\r\n" +
		"  org.c\r\n" +
		"Plugin-Version: 1.2.3\r\n" +
		"\r\n" +
		"Name: ignored/section\r\n")
	h, err := ParseMF(data)
	require.NoError(t, err)

	assert.Equal(t, "org.a", h.Get(SymbolicName))
	assert.Equal(t, "1.2.3", h.Get("plugin-version"))
	assert.Equal(t, `org.b;plugin-version="[1.0,2.0)", org.c`, h.Get(RequirePlugins))
	assert.Equal(t, "", h.Get("Name"))

	_, err = ParseMF([]byte(" leading continuation\n"))
	assert.True(t, errors.Is(err, ErrSyntax))

	_, err = ParseMF([]byte("no colon here\n"))
	assert.True(t, errors.Is(err, ErrSyntax))
}

func TestParseYAMLMultiLine(t *testing.T) {
	data := []byte("Plugin-SymbolicName: org.y\nPlugin-Version: 1.0.0\nPlugin-Description: |\n  line one\n\n  line two\n")
	h, err := Parse(YAMLPath, data)
	require.NoError(t, err)
	assert.Equal(t, "line one\n\nline two\n", h.Get(Description))
	assert.Equal(t, "org.y", h.Get(SymbolicName))
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
Plugin-SymbolicName: org.y
Plugin-Version: 1.10
Plugin-ActivationPolicy: lazy
Require-Plugin:
  - org.a
  - org.b;resolution:=optional
`)
	h, err := Parse(YAMLPath, data)
	require.NoError(t, err)
	assert.Equal(t, "1.10", h.Get(Version))
	assert.Equal(t, "org.a,org.b;resolution:=optional", h.Get(RequirePlugins))

	m, err := Validate(h)
	require.NoError(t, err)
	assert.Equal(t, "org.y", m.SymbolicName)
	assert.Equal(t, version.New(1, 10, 0, ""), m.Version)
	assert.True(t, m.Lazy)
	require.Len(t, m.Requires, 2)
	assert.True(t, m.Requires[1].IsOptional())

	_, err = ParseYAML([]byte("a:\n  b: c\n"))
	assert.True(t, errors.Is(err, ErrSyntax))
}

func TestValidate(t *testing.T) {
	_, err := Validate(Headers{Version: "1.0"})
	assert.True(t, errors.Is(err, ErrMissingSymbolicName))

	_, err = Validate(Headers{SymbolicName: "a", Version: "one"})
	assert.True(t, errors.Is(err, ErrInvalidHeader))

	_, err = Validate(Headers{SymbolicName: "a;b"})
	assert.True(t, errors.Is(err, ErrInvalidHeader))

	_, err = Validate(Headers{SymbolicName: "a", ActivationPolicy: "sometimes"})
	assert.True(t, errors.Is(err, ErrInvalidHeader))

	m, err := Validate(Headers{SymbolicName: "org.s;singleton:=true", Activator: " Main "})
	require.NoError(t, err)
	assert.Equal(t, "org.s", m.SymbolicName)
	assert.Equal(t, version.Empty, m.Version)
	assert.Equal(t, "Main", m.Activator)
	assert.False(t, m.Lazy)
	assert.Empty(t, m.Requires)
}
