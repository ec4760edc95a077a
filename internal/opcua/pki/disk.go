package pki

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alxayo/opcua-sc/internal/logger"
)

// DiskProvider loads a CA/trust-list bundle from a directory of PEM files
// and re-reads it whenever fsnotify reports a change, so certificate
// rotation does not require a server restart.
type DiskProvider struct {
	dir string

	mu    sync.RWMutex
	roots *x509.CertPool

	watcher *fsnotify.Watcher
	closeWg sync.WaitGroup
	closeCh chan struct{}
}

// NewDiskProvider loads the initial trust bundle from dir and starts
// watching it for changes. Callers must call Close when done.
func NewDiskProvider(dir string) (*DiskProvider, error) {
	p := &DiskProvider{dir: dir, closeCh: make(chan struct{})}
	if err := p.reload(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pki: create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("pki: watch %s: %w", dir, err)
	}
	p.watcher = w
	p.closeWg.Add(1)
	go p.watchLoop()
	return p, nil
}

func (p *DiskProvider) watchLoop() {
	defer p.closeWg.Done()
	for {
		select {
		case <-p.closeCh:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				logger.Error("pki: trust bundle reload failed", "dir", p.dir, "err", err)
			} else {
				logger.Info("pki: trust bundle reloaded", "dir", p.dir)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("pki: watcher error", "dir", p.dir, "err", err)
		}
	}
}

func (p *DiskProvider) reload() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("pki: read trust dir %s: %w", p.dir, err)
	}
	pool := x509.NewCertPool()
	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".pem" && ext != ".crt" && ext != ".der" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("pki: read %s: %w", e.Name(), err)
		}
		if pool.AppendCertsFromPEM(data) {
			loaded++
			continue
		}
		if cert, err := x509.ParseCertificate(data); err == nil {
			pool.AddCert(cert)
			loaded++
		}
	}
	if loaded == 0 {
		return fmt.Errorf("pki: no trust anchors found in %s", p.dir)
	}
	p.mu.Lock()
	p.roots = pool
	p.mu.Unlock()
	return nil
}

func (p *DiskProvider) ValidateCertificate(der []byte) (*x509.Certificate, error) {
	p.mu.RLock()
	roots := p.roots
	p.mu.RUnlock()
	return Validate(der, roots, x509.VerifyOptions{CurrentTime: time.Now()})
}

func (p *DiskProvider) Thumbprint(der []byte) []byte { return Thumbprint(der) }

// Close stops the filesystem watcher goroutine.
func (p *DiskProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	close(p.closeCh)
	err := p.watcher.Close()
	p.closeWg.Wait()
	return err
}

var _ Provider = (*DiskProvider)(nil)
