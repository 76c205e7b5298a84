package refresh

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/lk2023060901/zeus-plugin/pkg/logger"
)

// watcher 监听制品目录，同一路径的事件在防抖时间内合并为一次回调。
type watcher struct {
	fsw      *fsnotify.Watcher
	logger   logger.Logger
	debounce time.Duration
	onChange func(path string)

	mu      sync.Mutex
	dirs    map[string]struct{}
	pending map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWatcher(debounce time.Duration, l logger.Logger, onChange func(string)) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &watcher{
		fsw:      fsw,
		logger:   l,
		debounce: debounce,
		onChange: onChange,
		dirs:     make(map[string]struct{}),
		pending:  make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (w *watcher) start() {
	w.wg.Add(2)
	go w.watchLoop()
	go w.debounceLoop()
}

func (w *watcher) stop() {
	w.cancel()
	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("close fsnotify watcher failed", fields("error", err.Error())...)
	}
	w.wg.Wait()
}

// sync 使监听目录集合与 dirs 一致。
func (w *watcher) sync(dirs []string) {
	want := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		want[d] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for d := range w.dirs {
		if _, ok := want[d]; ok {
			continue
		}
		if err := w.fsw.Remove(d); err != nil {
			w.logger.Debug("remove watch dir failed", fields("directory", d, "error", err.Error())...)
		}
		delete(w.dirs, d)
	}
	for d := range want {
		if _, ok := w.dirs[d]; ok {
			continue
		}
		if err := w.fsw.Add(d); err != nil {
			w.logger.Warn("add watch dir failed", fields("directory", d, "error", err.Error())...)
			continue
		}
		w.dirs[d] = struct{}{}
		w.logger.Debug("watching plugin dir", fields("directory", d)...)
	}
}

// watched 返回当前监听的目录。
func (w *watcher) watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		out = append(out, d)
	}
	return out
}

func (w *watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watch error", fields("error", err.Error())...)
		}
	}
}

func (w *watcher) handleEvent(event fsnotify.Event) {
	if shouldIgnore(event.Name) {
		return
	}
	// 权限变化不影响制品内容。
	if event.Op == fsnotify.Chmod {
		return
	}
	w.logger.Debug("artifact event", fields("operation", event.Op.String(), "file", event.Name)...)

	w.mu.Lock()
	w.pending[filepath.Clean(event.Name)] = time.Now()
	w.mu.Unlock()
}

func (w *watcher) debounceLoop() {
	defer w.wg.Done()

	interval := w.debounce / 5
	if interval > 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(time.Now())
		}
	}
}

// flush 回调所有超过防抖时间的路径。
func (w *watcher) flush(now time.Time) {
	w.mu.Lock()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.onChange(path)
	}
}

// shouldIgnore 过滤隐藏文件与编辑器临时文件。
func shouldIgnore(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".tmp") ||
		strings.HasSuffix(base, ".swp")
}
