package docker

import (
	"sort"

	"github.com/HyphaGroup/diagd/internal/config"
	"github.com/HyphaGroup/diagd/internal/diagnoser"
)

// FromConfig builds container-backed diagnosers for every configured entry.
func FromConfig(api API, cfg map[string]config.DiagnoserConfig) []*diagnoser.Diagnoser {
	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*diagnoser.Diagnoser, 0, len(names))
	for _, name := range names {
		dc := cfg[name]
		d := &diagnoser.Diagnoser{
			Name:            name,
			Collector:       NewTool(api, name, dc.Collector.Image, dc.Collector.Command).Collector(),
			RequiresStorage: dc.RequiresStorage,
		}
		if dc.Analyzer != nil {
			d.Analyzer = NewTool(api, name, dc.Analyzer.Image, dc.Analyzer.Command).Analyzer()
		}
		out = append(out, d)
	}
	return out
}
