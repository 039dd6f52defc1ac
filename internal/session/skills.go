package session

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/internal/logger"
)

// SkillStore reads skill documents from disk and keeps a generation counter,
// bumped by filesystem events on the skill directory, so the prompt cache
// can be invalidated whenever one changes underneath a
// running process. The watcher is best-effort: it degrades to "no
// invalidation" rather than failing the caller.
type SkillStore struct {
	dir    string
	logger *logger.Logger

	watcher *fsnotify.Watcher

	mu         sync.Mutex
	generation int
}

// NewSkillStore watches dir (a directory of "<skill-id>.md" files) for
// changes. If the watcher cannot be created the store still functions,
// it simply never invalidates cached prompts on disk edits.
func NewSkillStore(dir string, log *logger.Logger) *SkillStore {
	s := &SkillStore{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "skill-store")),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("failed to create skill watcher; prompt cache will not invalidate on disk edits", zap.Error(err))
		return s
	}
	if err := watcher.Add(dir); err != nil {
		s.logger.Warn("failed to watch skill directory", zap.String("dir", dir), zap.Error(err))
		_ = watcher.Close()
		return s
	}
	s.watcher = watcher
	go s.watchLoop()
	return s
}

func (s *SkillStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.bumpGeneration()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("skill watcher error", zap.Error(err))
		}
	}
}

func (s *SkillStore) bumpGeneration() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

// Generation returns the current invalidation counter; any fingerprint
// computed from an older generation is stale and must not be served from
// cache.
func (s *SkillStore) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Fingerprint returns a stable cache key for a set of skill ids at the
// store's current generation: same ids + same generation always
// produces the same key, and any on-disk edit changes the generation so
// the old key is simply never looked up again.
func (s *SkillStore) Fingerprint(skillIDs []string) string {
	sorted := append([]string(nil), skillIDs...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",") + "@" + strconv.Itoa(s.Generation())
}

// Load concatenates each skill document's content in id order. Missing
// files are skipped rather than treated as fatal: a dangling skill id
// reference should degrade, not abort the turn.
func (s *SkillStore) Load(skillIDs []string) string {
	sorted := append([]string(nil), skillIDs...)
	sort.Strings(sorted)

	var b strings.Builder
	for _, id := range sorted {
		content, err := os.ReadFile(filepath.Join(s.dir, id+".md"))
		if err != nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.Write(content)
	}
	return b.String()
}

// Close releases the underlying filesystem watcher, if any.
func (s *SkillStore) Close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}
