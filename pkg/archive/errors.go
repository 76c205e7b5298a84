package archive

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrStore 标记所有存储错误。
	ErrStore = errors.New("archive: store error")

	// ErrConnectionInvalid 数据库连接不可用。
	ErrConnectionInvalid = errors.New("archive: connection invalid")
	// ErrNotOpen 存储尚未打开。
	ErrNotOpen = errors.New("archive: store not open")
	// ErrCreateDir 无法创建存储目录。
	ErrCreateDir = errors.New("archive: create dir failed")
	// ErrWrite 写入失败。
	ErrWrite = errors.New("archive: write failed")
	// ErrFileCorrupt 存储文件已损坏。
	ErrFileCorrupt = errors.New("archive: file corrupt")
	// ErrStatement 语句执行失败。
	ErrStatement = errors.New("archive: statement failed")

	// ErrNotFound 归档或资源不存在。
	ErrNotFound = errors.New("archive: not found")
	// ErrArtifact 插件制品不可读。
	ErrArtifact = errors.New("archive: unreadable artifact")
	// ErrInvalidConfig 存储配置非法。
	ErrInvalidConfig = errors.New("archive: invalid config")
)

// StoreErrorKind 区分存储错误类别。
type StoreErrorKind int

const (
	ConnectionInvalid StoreErrorKind = iota + 1
	NotOpen
	CreateDir
	Write
	FileCorrupt
	Statement
)

func (k StoreErrorKind) sentinel() error {
	switch k {
	case ConnectionInvalid:
		return ErrConnectionInvalid
	case NotOpen:
		return ErrNotOpen
	case CreateDir:
		return ErrCreateDir
	case Write:
		return ErrWrite
	case FileCorrupt:
		return ErrFileCorrupt
	default:
		return ErrStatement
	}
}

func (k StoreErrorKind) String() string {
	switch k {
	case ConnectionInvalid:
		return "connection invalid"
	case NotOpen:
		return "not open"
	case CreateDir:
		return "create dir"
	case Write:
		return "write"
	case FileCorrupt:
		return "file corrupt"
	default:
		return "statement"
	}
}

// StoreError 描述一次失败的存储操作。
type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("archive: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("archive: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(kind StoreErrorKind, op string, err error) error {
	return errors.Mark(errors.Mark(&StoreError{Kind: kind, Op: op, Err: err}, kind.sentinel()), ErrStore)
}

// IsStoreError 判断 err 是否为指定类别的存储错误。
func IsStoreError(err error, kind StoreErrorKind) bool {
	return errors.Is(err, kind.sentinel())
}
