package application

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/edgeplane/sentinel/internal/domain/rule"
)

// loadRuleFiles parses every ".rule" file under dirs and loads the
// resulting rules into the engine. A file that fails to parse is
// logged and skipped — one bad rule file must not keep the rest of
// the directory from loading.
func (app *App) loadRuleFiles(dirs []string) {
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				app.logger.Warn("Failed to read rules directory", zap.String("dir", dir), zap.Error(err))
			}
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rule") {
				continue
			}
			app.loadRuleFile(filepath.Join(dir, entry.Name()))
		}
	}
}

func (app *App) loadRuleFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		app.logger.Warn("Failed to read rule file", zap.String("path", path), zap.Error(err))
		return
	}
	r, err := rule.Parse(string(data))
	if err != nil {
		app.logger.Warn("Failed to parse rule file", zap.String("path", path), zap.Error(err))
		return
	}
	app.ruleEngine.LoadRule(r)
	app.ruleFiles[path] = r.Name
	app.logger.Info("Rule loaded", zap.String("name", r.Name), zap.String("path", path))
}

// startRuleWatcher watches the configured rule directories and
// reloads a file's rule as soon as it's written, created, or removed.
// Grounded on the same fsnotify event-switch shape the teacher used
// for its plugin hot-reload loader.
func (app *App) startRuleWatcher(dirs []string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		app.logger.Warn("Rule hot-reload unavailable, fsnotify watcher failed", zap.Error(err))
		return
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			app.logger.Warn("Failed to create rules directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		if err := watcher.Add(dir); err != nil {
			app.logger.Warn("Failed to watch rules directory", zap.String("dir", dir), zap.Error(err))
		}
	}
	app.ruleWatcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				app.handleRuleWatchEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				app.logger.Warn("Rule watcher error", zap.Error(err))
			}
		}
	}()

	app.logger.Info("Rule hot-reload watching started", zap.Strings("dirs", dirs))
}

func (app *App) handleRuleWatchEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".rule") {
		return
	}
	switch {
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		app.loadRuleFile(event.Name)
	case event.Op&fsnotify.Remove != 0:
		if name, ok := app.ruleFiles[event.Name]; ok {
			app.ruleEngine.RemoveRule(name)
			delete(app.ruleFiles, event.Name)
			app.logger.Info("Rule removed", zap.String("name", name), zap.String("path", event.Name))
		}
	}
}

func (app *App) stopRuleWatcher() {
	if app.ruleWatcher != nil {
		if err := app.ruleWatcher.Close(); err != nil {
			app.logger.Warn("Error closing rule watcher", zap.Error(err))
		}
	}
}
