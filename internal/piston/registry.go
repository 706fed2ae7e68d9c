package piston

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RuntimeRegistry maps every language name and alias, lowercased, to the
// engine version that serves it. Built once at feeder startup and read-only
// afterwards, so lookups need no locking.
type RuntimeRegistry struct {
	versions map[string]string
}

func NewRuntimeRegistry(runtimes []Runtime) *RuntimeRegistry {
	versions := make(map[string]string, len(runtimes))
	for _, rt := range runtimes {
		versions[strings.ToLower(rt.Language)] = rt.Version
		for _, alias := range rt.Aliases {
			versions[strings.ToLower(alias)] = rt.Version
		}
	}
	return &RuntimeRegistry{versions: versions}
}

// Lookup resolves a declared language to an engine version. A miss is
// terminal for that job only.
func (r *RuntimeRegistry) Lookup(language string) (string, bool) {
	v, ok := r.versions[strings.ToLower(language)]
	return v, ok
}

func (r *RuntimeRegistry) Len() int {
	return len(r.versions)
}

// BuildRuntimeRegistry fetches the runtime list with bounded retries.
// Without version data no job can be validated, so exhausting the attempts
// is fatal for the caller.
func BuildRuntimeRegistry(ctx context.Context, c *Client, attempts int, log *zap.Logger) (*RuntimeRegistry, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(2*attempt) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		runtimes, err := c.Runtimes(ctx)
		if err != nil {
			lastErr = err
			log.Error("fetching engine runtimes failed",
				zap.Int("attempt", attempt+1), zap.Int("attempts", attempts), zap.Error(err))
			continue
		}
		reg := NewRuntimeRegistry(runtimes)
		log.Info("runtime registry built",
			zap.Int("runtimes", len(runtimes)), zap.Int("entries", reg.Len()))
		return reg, nil
	}
	return nil, errors.Wrap(lastErr, "engine runtimes unavailable")
}
