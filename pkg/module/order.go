package module

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrDuplicateID 同一 ID 注册了多次。
	ErrDuplicateID = errors.New("module: duplicate id")
	// ErrMissingRequirement 依赖的 ID 未注册。
	ErrMissingRequirement = errors.New("module: missing requirement")
	// ErrCycle 依赖存在环。
	ErrCycle = errors.New("module: dependency cycle")
)

// Order 按依赖对 items 做拓扑排序，被依赖者在前，无依赖关系的条目保持注册顺序。
// provided 中的 ID 视为已由外部满足。
func Order[T Node](items []T, provided ...string) ([]T, error) {
	byID := make(map[string]int, len(items))
	for i, it := range items {
		id := it.ID()
		if _, dup := byID[id]; dup {
			return nil, errors.Wrapf(ErrDuplicateID, "%q", id)
		}
		byID[id] = i
	}
	external := make(map[string]struct{}, len(provided))
	for _, id := range provided {
		external[id] = struct{}{}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	marks := make([]int, len(items))
	out := make([]T, 0, len(items))

	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		switch marks[i] {
		case done:
			return nil
		case visiting:
			return errors.Wrapf(ErrCycle, "%v", append(path, items[i].ID()))
		}
		marks[i] = visiting
		path = append(path, items[i].ID())
		for _, req := range items[i].Requires() {
			j, ok := byID[req]
			if !ok {
				if _, ok := external[req]; ok {
					continue
				}
				return errors.Wrapf(ErrMissingRequirement, "%q requires %q", items[i].ID(), req)
			}
			if err := visit(j, path); err != nil {
				return err
			}
		}
		marks[i] = done
		out = append(out, items[i])
		return nil
	}

	for i := range items {
		if err := visit(i, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}
