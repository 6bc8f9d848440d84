package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
)

// Nodes push their authoritative config files to connecting peers.
// Received files land under a directory named after the sender's hashed
// identity, so pushes from different nodes never collide, and a changed
// file requests a process restart to load it.

// pushConfig writes straight to the link so the files land ahead of
// every replayed message.
func (c *Cluster) pushConfig(r *remote) {
	if len(c.ConfigFiles) == 0 {
		return
	}
	files := make(map[string]string, len(c.ConfigFiles))
	for _, path := range c.ConfigFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).Warningf("Skipping config file %v in push to %v.", path, r.name)
			continue
		}
		files[filepath.Base(path)] = string(data)
	}
	m, err := newMessage(VerbConfig, configParams{Identity: c.identity, Files: files}, 0, nil)
	if err != nil {
		log.WithError(err).Warningf("Encoding config push for endpoint %v failed.", r.name)
		return
	}
	frame, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := r.link.sendRaw(frame, writeTimeout); err != nil {
		log.WithError(err).Warningf("Config push to endpoint %v failed.", r.name)
		return
	}
	log.Debugf("Pushed %v config files to endpoint %v.", len(files), r.name)
}

// receiveConfig writes pushed files to disk and requests a restart when
// anything changed. Files absent from the push are removed; the peer's
// directory mirrors the peer.
func (c *Cluster) receiveConfig(p configParams) error {
	if p.Identity == "" {
		return trace.BadParameter("config push without an identity")
	}
	if c.ConfigDir == "" {
		log.Debugf("Discarding config push from %v, no config directory set.", p.Identity)
		return nil
	}
	dir := filepath.Join(c.ConfigDir, hashName(p.Identity))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return trace.ConvertSystemError(err)
	}

	changed := false
	want := make(map[string]bool, len(p.Files))
	for name, content := range p.Files {
		base := hashName(name) + ".conf"
		want[base] = true
		path := filepath.Join(dir, base)
		existing, err := os.ReadFile(path)
		if err == nil && string(existing) == content {
			continue
		}
		if err := writeFileAtomic(path, []byte(content)); err != nil {
			return trace.Wrap(err)
		}
		changed = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".conf") || want[name] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			log.WithError(err).Warningf("Removing stale config %v failed.", name)
			continue
		}
		changed = true
	}

	if changed {
		log.Infof("Config pushed by %v changed, restart required.", p.Identity)
		if c.OnRestartRequest != nil {
			c.OnRestartRequest()
		}
	}
	return nil
}

func hashName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return trace.ConvertSystemError(err)
	}
	return nil
}
