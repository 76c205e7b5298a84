package archive

import (
	"time"

	"github.com/lk2023060901/zeus-plugin/pkg/manifest"
)

// TombstoneStartLevel 标记已卸载、待下次打开时清除的归档。
const TombstoneStartLevel = -2

// Autostart 表示插件的持久化自启动设置。
type Autostart int

const (
	// AutostartStopped 不自动启动。
	AutostartStopped Autostart = iota
	// AutostartEager 立即激活。
	AutostartEager
	// AutostartDeclared 按清单声明的激活策略启动。
	AutostartDeclared
)

func (a Autostart) String() string {
	switch a {
	case AutostartEager:
		return "eager"
	case AutostartDeclared:
		return "declared"
	default:
		return "stopped"
	}
}

// Key 定位某个归档的某一代。
type Key struct {
	ID         int64
	Generation int64
}

// Archive 是插件制品的持久化记录。
type Archive struct {
	ID           int64
	Generation   int64
	Location     string
	LocalPath    string
	SymbolicName string
	Version      string
	LastModified time.Time
	Timestamp    time.Time
	StartLevel   int
	Autostart    Autostart
	Headers      manifest.Headers
	// LoadErr 非空表示持久化的清单无法解码，Headers 为空。
	LoadErr error
}

// Key 返回归档当前代的定位键。
func (a *Archive) Key() Key {
	return Key{ID: a.ID, Generation: a.Generation}
}

// Tombstoned 判断归档是否已被标记删除。
func (a *Archive) Tombstoned() bool {
	return a.StartLevel == TombstoneStartLevel
}

// Clone 返回深拷贝。
func (a *Archive) Clone() *Archive {
	out := *a
	if a.Headers != nil {
		out.Headers = a.Headers.Clone()
	}
	return &out
}

// Resource 是制品内打包的一个资源。
type Resource struct {
	Path string
	Data []byte
}
