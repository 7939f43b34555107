package resilience

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchPolicyFile, politika dosyasının bulunduğu dizini izler ve dosya
// değiştiğinde politikaları yeniden yükler. Editörler dosyayı genelde
// yeniden adlandırarak yazdığı için dosyanın kendisi değil dizini izlenir.
func (r *Registry) WatchPolicyFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pf, err := LoadPolicyFile(target)
				if err != nil {
					r.log.Error().Err(err).Str("path", target).Msg("Politika dosyası yeniden yüklenemedi, eski değerler korunuyor.")
					continue
				}
				r.Apply(pf)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn().Err(err).Msg("Politika izleyici hatası.")
			}
		}
	}()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return err
	}
	r.log.Info().Str("path", target).Msg("Dayanıklılık politika dosyası izleniyor.")
	return nil
}
