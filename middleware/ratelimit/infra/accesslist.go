package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// accessListFile é o formato do arquivo:
//
//	whitelist: ["10.0.0.1", "health-checker"]
//	blacklist: ["203.0.113.7"]
type accessListFile struct {
	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`
}

// FileAccessList é uma domain.AccessList carregada de YAML e recarregada quando o arquivo muda.
// Um arquivo inválido mantém a lista anterior.
type FileAccessList struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	list *domain.StaticAccessList
}

func LoadFileAccessList(path string, logger *zap.Logger) (*FileAccessList, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve access list path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &FileAccessList{path: abs, logger: logger}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileAccessList) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read access list %s: %w", f.path, err)
	}
	var raw accessListFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse access list %s: %w", f.path, err)
	}
	list := domain.NewStaticAccessList(raw.Whitelist, raw.Blacklist)

	f.mu.Lock()
	f.list = list
	f.mu.Unlock()

	allow, deny := list.Len()
	f.logger.Info("access list loaded", zap.String("path", f.path), zap.Int("whitelist", allow), zap.Int("blacklist", deny))
	return nil
}

func (f *FileAccessList) current() *domain.StaticAccessList {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.list
}

func (f *FileAccessList) Allowed(identity string) bool { return f.current().Allowed(identity) }
func (f *FileAccessList) Denied(identity string) bool  { return f.current().Denied(identity) }

// Watch observa o diretório do arquivo (alguns sistemas não suportam watch direto no arquivo)
// e recarrega com debounce. Bloqueia até ctx encerrar.
func (f *FileAccessList) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create access list watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
	}

	const debounce = 100 * time.Millisecond
	name := filepath.Base(f.path)
	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := f.Reload(); err != nil {
				f.logger.Warn("access list reload failed, keeping previous list", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("access list watcher error", zap.Error(err))
		}
	}
}
