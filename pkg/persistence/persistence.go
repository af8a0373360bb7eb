// Package persistence 订单/持仓快照的落盘：每个快照一个 JSON 文件，
// 以及把频繁的状态变化合并成少量写入的后台保存器。
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "persistence")

// Service 按 kind/owner/tag 打开快照存储，例如 ("engine", "trader", "snapshot")
type Service interface {
	NewStore(kind, owner, tag string) Store
}

// Store 单个快照的读写
type Store interface {
	Save(v any) error
	Load(v any) error
}

// ErrNotExists 快照尚未写过
var ErrNotExists = fmt.Errorf("snapshot not exists")

// FileService 快照目录
type FileService struct {
	dir string
}

// NewFileService 快照写入 dir（首次保存时创建）
func NewFileService(dir string) *FileService {
	return &FileService{dir: dir}
}

func (s *FileService) NewStore(kind, owner, tag string) Store {
	return &fileStore{
		dir: s.dir,
		key: fmt.Sprintf("%s:%s:%s", kind, owner, tag),
	}
}

type fileStore struct {
	dir string
	key string
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *fileStore) path() string {
	return filepath.Join(s.dir, unsafeChars.ReplaceAllString(s.key, "_")+".json")
}

// Save 先写临时文件再 rename，读者不会看到写了一半的快照
func (s *fileStore) Save(v any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := s.path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	log.WithField("key", s.key).Debugf("快照已写入 %s（%d 字节）", path, len(b))
	return nil
}

func (s *fileStore) Load(v any) error {
	b, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(b, v)
}

// Saver 订单或成交变化时调用 Trigger，静默 delay 后执行一次 save；
// 连续触发只会推迟，不会叠加写入。
type Saver struct {
	delay time.Duration
	clock clockwork.Clock
	save  func()

	trigger chan struct{}
	mu      sync.Mutex
	saves   int
}

// NewSaver 创建后台保存器；clock 为 nil 时使用真实时钟
func NewSaver(delay time.Duration, clock clockwork.Clock, save func()) *Saver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Saver{delay: delay, clock: clock, save: save, trigger: make(chan struct{}, 1)}
}

// Trigger 非阻塞
func (s *Saver) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Saves 已执行的保存次数
func (s *Saver) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Run 直到 ctx 结束；结束时未落盘的变化交给调用方的最终保存
func (s *Saver) Run(ctx context.Context) {
	var timer clockwork.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			if timer == nil {
				timer = s.clock.NewTimer(s.delay)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.Chan():
					default:
					}
				}
				timer.Reset(s.delay)
			}
			fire = timer.Chan()
		case <-fire:
			fire = nil
			s.save()
			s.mu.Lock()
			s.saves++
			s.mu.Unlock()
		}
	}
}
