package core

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/mellowbot/bingchat/internal/logger"
	"github.com/mellowbot/bingchat/pkg/constants"
	"github.com/sirupsen/logrus"
)

const (
	logDateLayout = "2006-01-02"
	logFileLayout = "15-04-05"
)

// ChatLog writes raw backend replies under <dir>/log/YYYY-MM-DD/HH-MM-SS.log
// and sweeps date directories past the retention window.
type ChatLog struct {
	dir       string
	retention int // days
	now       func() time.Time
}

// NewChatLog creates a chat log rooted at the plugin data directory
func NewChatLog(dataDir string, retentionDays int) *ChatLog {
	if retentionDays <= 0 {
		retentionDays = constants.DefaultLogRetentionDays
	}
	return &ChatLog{
		dir:       filepath.Join(dataDir, "log"),
		retention: retentionDays,
		now:       time.Now,
	}
}

// Write stores one raw reply payload. Failures are logged, not returned:
// a missing log never fails a user's turn.
func (c *ChatLog) Write(data []byte) {
	now := c.now()
	dateDir := filepath.Join(c.dir, now.Format(logDateLayout))
	if err := os.MkdirAll(dateDir, 0755); err != nil {
		logger.WithFields(logrus.Fields{
			"dir":   dateDir,
			"error": err,
		}).Error("failed-to-create-chat-log-directory")
		return
	}

	path := filepath.Join(dateDir, now.Format(logFileLayout)+".log")
	if err := os.WriteFile(path, data, 0644); err != nil {
		logger.WithFields(logrus.Fields{
			"path":  path,
			"error": err,
		}).Error("failed-to-write-chat-log")
	}
}

// Sweep removes date directories older than the retention window
func (c *ChatLog) Sweep() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WithField("error", err).Warn("failed-to-scan-chat-log-directory")
		}
		return
	}

	cutoff := c.now().AddDate(0, 0, -c.retention)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		date, err := time.Parse(logDateLayout, entry.Name())
		if err != nil {
			continue
		}
		if date.Before(cutoff) {
			path := filepath.Join(c.dir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				logger.WithFields(logrus.Fields{
					"path":  path,
					"error": err,
				}).Warn("failed-to-remove-expired-chat-log")
				continue
			}
			logger.WithField("path", path).Info("removed-expired-chat-log-directory")
		}
	}
}

// StartSweeper runs Sweep once immediately and then daily until ctx is done
func (c *ChatLog) StartSweeper(ctx context.Context) {
	go func() {
		c.Sweep()
		ticker := time.NewTicker(constants.LogSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}
