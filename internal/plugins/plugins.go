// Package plugins builds the plugin registry from configured names.
package plugins

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/plugins/finance"
	"github.com/roach88/gurih/internal/plugins/hr"
)

// Registry constructs the named plugins in order. now may be nil.
func Registry(names []string, logger *slog.Logger, now func() time.Time) (*plugin.Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	list := make([]plugin.Plugin, 0, len(names))
	for _, name := range names {
		switch name {
		case "finance":
			list = append(list, finance.New(
				finance.WithLogger(logger.With("plugin", name)),
				finance.WithClock(now),
			))
		case "hr":
			list = append(list, hr.New(hr.WithLogger(logger.With("plugin", name))))
		default:
			return nil, fmt.Errorf("unknown plugin %q", name)
		}
	}
	return plugin.NewRegistry(list, plugin.WithLogger(logger)), nil
}
