package docgen

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Categories discovers the template categories present in the store.
func (c *TemplateCache) Categories(ctx context.Context) ([]string, error) {
	prefix := KindTemplates + "/"
	infos, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, &FetchError{Op: "list", ObjectKey: prefix, Err: err}
	}
	seen := map[string]struct{}{}
	var out []string
	for _, info := range infos {
		cat, _, ok := strings.Cut(strings.TrimPrefix(info.Key, prefix), "/")
		if !ok || cat == "" {
			continue
		}
		if _, dup := seen[cat]; dup {
			continue
		}
		seen[cat] = struct{}{}
		out = append(out, cat)
	}
	sort.Strings(out)
	return out, nil
}

// warmTargets returns the configured categories, or every category in the
// store when none are configured.
func (c *TemplateCache) warmTargets(ctx context.Context, configured []string) []string {
	if len(configured) > 0 {
		return configured
	}
	cats, err := c.Categories(ctx)
	if err != nil {
		c.warnLog.Warn("category discovery failed", zap.Error(err))
		return nil
	}
	c.log.Debug("categories discovered", zap.Strings("categories", cats))
	return cats
}
