// Package credential manages the pool of backend credential files and the
// rotation away from an exhausted one.
//
// A credential is a cookies JSON file. Exactly one pool member is active at
// a time; rotation probes every member and moves the active pointer, it
// never mutates the files themselves.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mellowbot/bingchat/internal/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNoCredentials reports that the cookies directory holds no valid
// credential file. Startup fails hard on it.
var ErrNoCredentials = errors.New("no valid credential files found")

// Credential is one pool member
type Credential struct {
	Path string
}

// Prober checks whether a credential is currently usable. The engine
// supplies one that issues a minimal backend ask and classifies the reply;
// a throttled classification or any error means unusable. Probes are real
// network calls, so rotation is the only caller.
type Prober func(ctx context.Context, cred Credential) bool

// Pool holds the credential files and the active pointer. The switching
// flag serializes rotation against new turn admissions.
type Pool struct {
	mu        sync.RWMutex
	files     []Credential
	active    int
	switching bool
	probe     Prober
}

// LoadPool reads every *.json file under dir, keeping those that are
// non-empty well-formed JSON. File order is lexicographic and fixed for the
// life of the pool; the first member starts active.
func LoadPool(dir string, probe Prober) (*Pool, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan cookies directory: %w", err)
	}
	sort.Strings(matches)

	var files []Credential
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"path":  path,
				"error": err,
			}).Warn("skipping-unreadable-credential-file")
			continue
		}
		if len(data) == 0 || !json.Valid(data) {
			logger.WithField("path", path).Warn("skipping-invalid-credential-file")
			continue
		}
		files = append(files, Credential{Path: path})
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoCredentials, dir)
	}

	logger.WithFields(logrus.Fields{
		"dir":   dir,
		"count": len(files),
	}).Info("credential-pool-loaded")

	return &Pool{files: files, probe: probe}, nil
}

// Active returns the currently active credential
func (p *Pool) Active() Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.files[p.active]
}

// Switching reports whether a rotation is in progress. New turns are
// rejected while it is set.
func (p *Pool) Switching() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.switching
}

// Len returns the pool size
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.files)
}

// Rotate probes every pool member concurrently, waits for all probes, then
// activates the first usable member in pool order. It returns whether a
// usable credential was found. The switching flag is cleared on every exit
// path so a failed rotation can never wedge future requests.
func (p *Pool) Rotate(ctx context.Context) bool {
	p.mu.Lock()
	if p.switching {
		p.mu.Unlock()
		return false
	}
	p.switching = true
	files := append([]Credential(nil), p.files...)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.switching = false
		p.mu.Unlock()
	}()

	usable := make([]bool, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, cred := range files {
		i, cred := i, cred
		g.Go(func() error {
			usable[i] = p.probe(gctx, cred)
			return nil
		})
	}
	// probes report through the usable slice, never an error
	_ = g.Wait()

	for i, ok := range usable {
		if !ok {
			continue
		}
		p.mu.Lock()
		p.active = i
		p.mu.Unlock()
		logger.WithField("path", files[i].Path).Info("rotated-to-usable-credential")
		return true
	}

	logger.Error("credential-rotation-found-no-usable-pool-member")
	return false
}
