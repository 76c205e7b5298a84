package version

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidVersion 表示版本字符串格式非法。
var ErrInvalidVersion = errors.New("version: invalid version")

// Version 表示 major.minor.micro.qualifier 形式的插件版本。
type Version struct {
	Major     int
	Minor     int
	Micro     int
	Qualifier string
}

// Empty 为 0.0.0。
var Empty = Version{}

// New 构造版本。
func New(major, minor, micro int, qualifier string) Version {
	return Version{Major: major, Minor: minor, Micro: micro, Qualifier: qualifier}
}

// Parse 解析版本字符串，空串返回 0.0.0。
func Parse(raw string) (Version, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Empty, nil
	}
	parts := strings.SplitN(raw, ".", 4)
	var v Version
	nums := []*int{&v.Major, &v.Minor, &v.Micro}
	for i, part := range parts {
		if i == 3 {
			if !validQualifier(part) {
				return Empty, errors.Wrapf(ErrInvalidVersion, "%q: bad qualifier", raw)
			}
			v.Qualifier = part
			break
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || strings.HasPrefix(part, "+") {
			return Empty, errors.Wrapf(ErrInvalidVersion, "%q: bad component %q", raw, part)
		}
		*nums[i] = n
	}
	return v, nil
}

// MustParse 解析失败时 panic，仅用于常量初始化和测试。
func MustParse(raw string) Version {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func validQualifier(q string) bool {
	if q == "" {
		return false
	}
	for _, r := range q {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Compare 返回 -1、0 或 1。限定符按字典序比较，空限定符最小。
func (v Version) Compare(o Version) int {
	if c := cmpInt(v.Major, o.Major); c != 0 {
		return c
	}
	if c := cmpInt(v.Minor, o.Minor); c != 0 {
		return c
	}
	if c := cmpInt(v.Micro, o.Micro); c != 0 {
		return c
	}
	return strings.Compare(v.Qualifier, o.Qualifier)
}

// Equal 判断两个版本是否相同。
func (v Version) Equal(o Version) bool {
	return v.Compare(o) == 0
}

// Less 判断 v 是否小于 o。
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

func (v Version) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(v.Major))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(v.Minor))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(v.Micro))
	if v.Qualifier != "" {
		b.WriteByte('.')
		b.WriteString(v.Qualifier)
	}
	return b.String()
}

// MarshalText 实现 encoding.TextMarshaler。
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
