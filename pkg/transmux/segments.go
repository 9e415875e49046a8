package transmux

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JRascall/MediaServer/pkg/storage"
)

// segmentUploader mirrors a task's output directory to storage. A playlist
// is only uploaded after every segment it lists, so remote readers never
// see a reference to a missing segment.
type segmentUploader struct {
	dir    string
	prefix string
	store  storage.Uploader
	log    logrus.FieldLogger

	uploaded map[string]struct{}
}

func newSegmentUploader(dir, prefix string, store storage.Uploader, log logrus.FieldLogger) *segmentUploader {
	return &segmentUploader{
		dir:      dir,
		prefix:   strings.Trim(prefix, "/"),
		store:    store,
		log:      log,
		uploaded: make(map[string]struct{}),
	}
}

func (u *segmentUploader) key(name string) string {
	return u.prefix + "/" + name
}

// changed handles a created or rewritten file in the output directory.
// Only manifests trigger uploads; segments are picked up through them.
func (u *segmentUploader) changed(ctx context.Context, name string) error {
	switch filepath.Ext(name) {
	case ".m3u8", ".mpd":
	default:
		return nil
	}
	// a manifest is created empty and filled by a following write
	if info, err := os.Stat(filepath.Join(u.dir, name)); err != nil || info.Size() == 0 {
		return nil
	}

	var segments []string
	var err error
	switch filepath.Ext(name) {
	case ".m3u8":
		segments, err = u.hlsSegments(name)
	case ".mpd":
		segments, err = u.dashSegments()
	}
	if err != nil {
		return err
	}

	for _, seg := range segments {
		if _, ok := u.uploaded[seg]; ok {
			continue
		}
		if err := u.store.Upload(ctx, u.key(seg), filepath.Join(u.dir, seg)); err != nil {
			return err
		}
		u.uploaded[seg] = struct{}{}
	}
	if filepath.Ext(name) == ".m3u8" {
		// segments that left the playlist never come back
		current := make(map[string]struct{}, len(segments))
		for _, seg := range segments {
			current[seg] = struct{}{}
		}
		for seg := range u.uploaded {
			if _, ok := current[seg]; !ok {
				delete(u.uploaded, seg)
			}
		}
	}
	return u.store.Upload(ctx, u.key(name), filepath.Join(u.dir, name))
}

func (u *segmentUploader) hlsSegments(name string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(u.dir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	return parsePlaylist(data), nil
}

// dashSegments lists fragments with init segments first; ffmpeg numbers
// media fragments so lexical order is write order.
func (u *segmentUploader) dashSegments() ([]string, error) {
	entries, err := os.ReadDir(u.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", u.dir)
	}
	var segments []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".m4s" {
			segments = append(segments, e.Name())
		}
	}
	sort.Slice(segments, func(i, j int) bool {
		ii, ji := strings.HasPrefix(segments[i], "init-"), strings.HasPrefix(segments[j], "init-")
		if ii != ji {
			return ii
		}
		return segments[i] < segments[j]
	})
	return segments, nil
}

// parsePlaylist returns the media segment URIs of an HLS playlist in order.
func parsePlaylist(data []byte) []string {
	var segments []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		segments = append(segments, line)
	}
	return segments
}

// watch uploads manifests and their segments as ffmpeg writes them, until
// ctx is done.
func (u *segmentUploader) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(u.dir); err != nil {
		return errors.Wrapf(err, "watch %s", u.dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if err := u.changed(ctx, filepath.Base(ev.Name)); err != nil {
				u.log.WithError(err).Warn("segment upload failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			u.log.WithError(err).Warn("watcher error")
		}
	}
}
