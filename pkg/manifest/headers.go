package manifest

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/zeus-plugin/pkg/version"
)

// 标准清单头。
const (
	SymbolicName     = "Plugin-SymbolicName"
	Version          = "Plugin-Version"
	Name             = "Plugin-Name"
	Description      = "Plugin-Description"
	ActivationPolicy = "Plugin-ActivationPolicy"
	RequirePlugins   = "Require-Plugin"
	Activator        = "Plugin-Activator"
	Library          = "Plugin-Library"
)

// 激活策略取值。
const (
	ActivationEager = "eager"
	ActivationLazy  = "lazy"
)

var (
	// ErrMissingSymbolicName 表示清单缺少 Plugin-SymbolicName。
	ErrMissingSymbolicName = errors.New("manifest: missing " + SymbolicName)
	// ErrInvalidHeader 表示清单头取值非法。
	ErrInvalidHeader = errors.New("manifest: invalid header")
)

// Headers 是清单属性的扁平映射。
type Headers map[string]string

// Get 返回指定头的值，大小写不敏感。
func (h Headers) Get(key string) string {
	if v, ok := h[key]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Keys 返回排序后的头名称。
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone 返回副本。
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Manifest 是校验后的清单视图。
type Manifest struct {
	Headers      Headers
	SymbolicName string
	Version      version.Version
	Lazy         bool
	Activator    string
	Requires     []RequirePlugin
}

// Validate 校验清单并提取常用字段。
func Validate(h Headers) (*Manifest, error) {
	name := strings.TrimSpace(h.Get(SymbolicName))
	if name == "" {
		return nil, ErrMissingSymbolicName
	}
	// 符号名可带指令，例如 "org.x;singleton:=true"。
	clauses, err := ParseHeader(name)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidHeader, "%s: %v", SymbolicName, err)
	}
	if len(clauses) != 1 || len(clauses[0].Keys) != 1 {
		return nil, errors.Wrapf(ErrInvalidHeader, "%s: expected exactly one name", SymbolicName)
	}

	v, err := version.Parse(h.Get(Version))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidHeader, "%s: %v", Version, err)
	}

	m := &Manifest{
		Headers:      h,
		SymbolicName: clauses[0].Keys[0],
		Version:      v,
		Activator:    strings.TrimSpace(h.Get(Activator)),
	}

	switch policy := strings.ToLower(strings.TrimSpace(h.Get(ActivationPolicy))); policy {
	case "", ActivationEager:
	case ActivationLazy:
		m.Lazy = true
	default:
		return nil, errors.Wrapf(ErrInvalidHeader, "%s: unknown policy %q", ActivationPolicy, policy)
	}

	m.Requires, err = ParseRequirePlugins(h.Get(RequirePlugins))
	if err != nil {
		return nil, err
	}
	return m, nil
}
