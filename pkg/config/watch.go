package config

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch starts an fsnotify watcher on the config file's directory and calls
// onChange with the freshly parsed config whenever the file is rewritten.
// A file that no longer parses is logged and skipped; the previous config
// stays in effect. Returns a stop function.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors commonly replace the file,
	// which would drop a direct watch.
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("config: reload skipped: %v", err)
					continue
				}
				log.Printf("config: reloaded %s", path)
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config: watcher error: %v", err)
			}
		}
	}()

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	log.Printf("config: watching %s for changes", path)
	return func() { watcher.Close() }, nil
}
