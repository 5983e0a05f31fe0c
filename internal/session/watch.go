package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const credentialDebounce = 100 * time.Millisecond

// WatchCredentialFile signs in with the contents of path and follows it
// until ctx is done. A rewritten file signs in again. A removed or empty
// file signs out, as does one rewritten with an expired credential. The
// directory is watched so editors that replace the file are followed too.
func (s *Session) WatchCredentialFile(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create credential watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch credential directory: %w", err)
	}

	s.applyCredentialFile(ctx, path)

	reload := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(credentialDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			s.applyCredentialFile(ctx, path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("credential watcher error", "path", path, "error", err)
		}
	}
}

func (s *Session) applyCredentialFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if _, signedIn := s.Credential(); signedIn {
			s.logger.Info("credential file removed", "path", path)
			s.SignOut()
		}
		return
	}
	if err != nil {
		s.logger.Warn("read credential file", "path", path, "error", err)
		return
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		if _, signedIn := s.Credential(); signedIn {
			s.logger.Info("credential file emptied", "path", path)
			s.SignOut()
		}
		return
	}
	if _, err := ParseCredential(token, s.now()); err != nil {
		// The file no longer holds the live credential; keep nothing
		// streaming against the one it replaced.
		if current, signedIn := s.Credential(); signedIn && current.Token != token {
			s.logger.Warn("credential file holds an unusable credential; signing out", "path", path, "error", err)
			s.SignOut()
			return
		}
		s.logger.Warn("credential file sign-in failed", "path", path, "error", err)
		return
	}
	state, err := s.SignIn(ctx, token)
	if err != nil {
		s.logger.Warn("credential file sign-in failed", "path", path, "error", err)
		return
	}
	s.logger.Debug("credential file applied", "path", path, "state", state.String())
}
