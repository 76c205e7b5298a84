package manifest

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/zeus-plugin/pkg/version"
)

// Resolution 表示依赖是否必需。
type Resolution int

const (
	// Mandatory 依赖未满足时解析失败。
	Mandatory Resolution = iota
	// Optional 依赖未满足时跳过。
	Optional
)

func (r Resolution) String() string {
	if r == Optional {
		return "optional"
	}
	return "mandatory"
}

// Require-Plugin 中识别的参数名。
const (
	AttrPluginVersion   = "plugin-version"
	DirectiveResolution = "resolution"
)

// RequirePlugin 描述一条对其他插件的依赖。
type RequirePlugin struct {
	Name       string
	Range      version.Range
	Resolution Resolution
}

// IsOptional 判断依赖是否可选。
func (r RequirePlugin) IsOptional() bool {
	return r.Resolution == Optional
}

// Matches 判断给定名称与版本是否满足依赖。
func (r RequirePlugin) Matches(name string, v version.Version) bool {
	return r.Name == name && r.Range.Includes(v)
}

func (r RequirePlugin) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if !r.Range.IsUnbounded() {
		b.WriteString(`;` + AttrPluginVersion + `="`)
		b.WriteString(r.Range.String())
		b.WriteByte('"')
	}
	if r.Resolution == Optional {
		b.WriteString(";" + DirectiveResolution + ":=optional")
	}
	return b.String()
}

// ParseRequirePlugins 解析 Require-Plugin 头。一个条目带多个 key 时
// 每个 key 产生一条共享参数的依赖。
func ParseRequirePlugins(raw string) ([]RequirePlugin, error) {
	clauses, err := ParseHeader(raw)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidHeader, "%s: %v", RequirePlugins, err)
	}
	var out []RequirePlugin
	for _, c := range clauses {
		rng, err := version.ParseRange(c.Attributes[AttrPluginVersion])
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidHeader, "%s: %v", RequirePlugins, err)
		}
		res := Mandatory
		switch strings.ToLower(c.Directives[DirectiveResolution]) {
		case "", "mandatory":
		case "optional":
			res = Optional
		default:
			return nil, errors.Wrapf(ErrInvalidHeader, "%s: unknown resolution %q", RequirePlugins, c.Directives[DirectiveResolution])
		}
		for _, key := range c.Keys {
			out = append(out, RequirePlugin{Name: key, Range: rng, Resolution: res})
		}
	}
	return out, nil
}
