package version

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidRange 表示版本区间字符串格式非法。
var ErrInvalidRange = errors.New("version: invalid range")

// Range 表示版本区间。零值为无界区间，匹配任意版本。
type Range struct {
	low           Version
	high          Version
	lowInclusive  bool
	highInclusive bool
	hasLow        bool
	hasHigh       bool
}

// Unbounded 返回匹配所有版本的区间。
func Unbounded() Range {
	return Range{}
}

// AtLeast 返回 [v, ∞)。
func AtLeast(v Version) Range {
	return Range{low: v, lowInclusive: true, hasLow: true}
}

// Between 返回指定边界的闭/开区间。
func Between(low Version, lowInclusive bool, high Version, highInclusive bool) Range {
	return Range{
		low:           low,
		high:          high,
		lowInclusive:  lowInclusive,
		highInclusive: highInclusive,
		hasLow:        true,
		hasHigh:       true,
	}
}

// Exact 返回 [v, v]。
func Exact(v Version) Range {
	return Between(v, true, v, true)
}

// ParseRange 解析区间。支持裸版本 "1.2"（表示 [1.2, ∞)）与
// "[a,b)"、"(a,b]" 等形式，空串返回无界区间。
func ParseRange(raw string) (Range, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Unbounded(), nil
	}
	first := raw[0]
	if first != '[' && first != '(' {
		v, err := Parse(raw)
		if err != nil {
			return Range{}, errors.Wrapf(ErrInvalidRange, "%q: %v", raw, err)
		}
		return AtLeast(v), nil
	}
	last := raw[len(raw)-1]
	if last != ']' && last != ')' {
		return Range{}, errors.Wrapf(ErrInvalidRange, "%q: missing closing bracket", raw)
	}
	body := raw[1 : len(raw)-1]
	comma := strings.IndexByte(body, ',')
	if comma < 0 {
		return Range{}, errors.Wrapf(ErrInvalidRange, "%q: missing comma", raw)
	}
	low, err := Parse(body[:comma])
	if err != nil {
		return Range{}, errors.Wrapf(ErrInvalidRange, "%q: %v", raw, err)
	}
	high, err := Parse(body[comma+1:])
	if err != nil {
		return Range{}, errors.Wrapf(ErrInvalidRange, "%q: %v", raw, err)
	}
	r := Between(low, first == '[', high, last == ']')
	if high.Less(low) {
		return Range{}, errors.Wrapf(ErrInvalidRange, "%q: high bound below low bound", raw)
	}
	return r, nil
}

// MustParseRange 解析失败时 panic。
func MustParseRange(raw string) Range {
	r, err := ParseRange(raw)
	if err != nil {
		panic(err)
	}
	return r
}

// IsUnbounded 判断是否为无界区间。
func (r Range) IsUnbounded() bool {
	return !r.hasLow && !r.hasHigh
}

// Includes 判断版本是否落在区间内。
func (r Range) Includes(v Version) bool {
	if r.hasLow {
		c := v.Compare(r.low)
		if c < 0 || (c == 0 && !r.lowInclusive) {
			return false
		}
	}
	if r.hasHigh {
		c := v.Compare(r.high)
		if c > 0 || (c == 0 && !r.highInclusive) {
			return false
		}
	}
	return true
}

// Low 返回下界及其是否存在。
func (r Range) Low() (Version, bool) {
	return r.low, r.hasLow
}

// High 返回上界及其是否存在。
func (r Range) High() (Version, bool) {
	return r.high, r.hasHigh
}

func (r Range) String() string {
	switch {
	case r.IsUnbounded():
		return ""
	case !r.hasHigh:
		return r.low.String()
	}
	var b strings.Builder
	if r.lowInclusive {
		b.WriteByte('[')
	} else {
		b.WriteByte('(')
	}
	b.WriteString(r.low.String())
	b.WriteByte(',')
	b.WriteString(r.high.String())
	if r.highInclusive {
		b.WriteByte(']')
	} else {
		b.WriteByte(')')
	}
	return b.String()
}
