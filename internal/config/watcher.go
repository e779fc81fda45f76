package config

import (
	"context"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"smsrelay/internal/constants"
	"smsrelay/internal/models"
)

// ConfigWatcher polls the configuration file and hands reloaded
// configuration to registered callbacks. Only settings that can change
// at runtime (senders, allow-list, default chats) are acted on by them.
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	logger     *logrus.Logger
	mu         sync.RWMutex
	config     *models.Config
	callbacks  []func(*models.Config)
}

// NewConfigWatcher creates a watcher for configPath seeded with initial
func NewConfigWatcher(configPath string, initial *models.Config, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath: configPath,
		interval:   time.Duration(constants.DefaultConfigPollIntervalSec) * time.Second,
		logger:     logger,
		config:     initial,
	}
}

// WithInterval overrides the polling interval
func (cw *ConfigWatcher) WithInterval(d time.Duration) *ConfigWatcher {
	if d > 0 {
		cw.interval = d
	}
	return cw
}

// Start polls until ctx is done
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return err
	}
	lastModTime := stat.ModTime()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			stat, err := os.Stat(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}

			if stat.ModTime().After(lastModTime) {
				cw.logger.Debug("Configuration file changed")
				lastModTime = stat.ModTime()

				// let the writer finish
				time.Sleep(100 * time.Millisecond)
				cw.reloadConfig()
			}
		}
	}
}

// GetConfig returns the current configuration
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after every successful reload
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration, keeping the previous one")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			callback(newConfig)
		}()
	}

	cw.logConfigChanges(oldConfig, newConfig)
}

func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if len(old.Senders) != len(new.Senders) {
		cw.logger.WithFields(logrus.Fields{
			"old_count": len(old.Senders),
			"new_count": len(new.Senders),
		}).Info("Sender table changed")
	}

	if !slices.Equal(old.Server.AllowedIPs, new.Server.AllowedIPs) {
		cw.logger.WithFields(logrus.Fields{
			"old_count": len(old.Server.AllowedIPs),
			"new_count": len(new.Server.AllowedIPs),
		}).Info("IP allow-list changed")
	}

	if !slices.Equal(old.Telegram.DefaultChatIDs, new.Telegram.DefaultChatIDs) {
		cw.logger.WithFields(logrus.Fields{
			"old_count": len(old.Telegram.DefaultChatIDs),
			"new_count": len(new.Telegram.DefaultChatIDs),
		}).Info("Default chats changed")
	}

	if old.Database.DSN != new.Database.DSN || old.Server.Port != new.Server.Port {
		cw.logger.Warn("Database and listener changes take effect after restart")
	}
}
