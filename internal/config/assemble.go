package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cirrusslice/internal/cirrus"
	"cirrusslice/internal/slicer"
	"cirrusslice/internal/targets"
	"cirrusslice/internal/wikiapi"
	"cirrusslice/pkg/contract"
	"cirrusslice/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Dump) == "" {
		return errors.New("config: dump not set")
	}
	sources := 0
	if strings.TrimSpace(cfg.Slice) != "" {
		sources++
	}
	if len(cfg.Titles) > 0 {
		sources++
	}
	if strings.TrimSpace(cfg.Category) != "" {
		sources++
	}
	switch sources {
	case 0:
		return errors.New("config: no targets (slice, titles or category)")
	case 1:
	default:
		return errors.New("config: slice, titles and category are mutually exclusive")
	}
	if cfg.IDs && cfg.Category != "" {
		return errors.New("config: ids cannot be combined with category")
	}
	if cfg.CategoryDepth < 0 {
		return errors.New("config: category_depth must be >= 0")
	}
	if cfg.BatchSize < 0 {
		return errors.New("config: batch_size must be >= 0")
	}
	if _, err := cirrus.ParsePolicy(cfg.Malformed); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	mode, err := slicer.ParseMode(cfg.Mode)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	d := Defaults()
	if mode == slicer.ModeLookup {
		if strings.TrimSpace(cfg.TitleIndex) == "" {
			return errors.New("config: lookup mode requires title_index")
		}
		if cfg.IDs {
			return errors.New("config: lookup mode works on titles only")
		}
		if strings.TrimSpace(cfg.Dump) == "-" {
			return errors.New("config: lookup mode cannot read STDIN")
		}
		if name := effName(cfg.Components.Lookup, d.Components.Lookup); registry.Lookup[name] == nil {
			return fmt.Errorf("config: lookup %q not registered", name)
		}
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	if name := effName(cfg.Components.Source, d.Components.Source); registry.Source[name] == nil {
		return fmt.Errorf("config: source %q not registered", name)
	}
	if name := effName(cfg.Components.Sink, d.Components.Sink); registry.Sink[name] == nil {
		return fmt.Errorf("config: sink %q not registered", name)
	}
	return nil
}

// SinkName 返回生效的 sink 实现名。
func SinkName(cfg Config) string { return effName(cfg.Components.Sink, Defaults().Components.Sink) }

// Assemble 构造 slicer 组件与运行设置。
// 严格 Options 解析在 registry （工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, deps registry.Deps) (slicer.Components, slicer.Settings, error) {
	if err := Validate(cfg); err != nil {
		return slicer.Components{}, slicer.Settings{}, err
	}
	d := Defaults()
	srcName := effName(cfg.Components.Source, d.Components.Source)
	sinkName := SinkName(cfg)

	src, err := registry.Source[srcName](cfg.Options.Source)
	if err != nil {
		return slicer.Components{}, slicer.Settings{}, fmt.Errorf("source %s: %w", srcName, err)
	}
	sink, err := registry.Sink[sinkName](cfg.Options.Sink[sinkName], deps)
	if err != nil {
		return slicer.Components{}, slicer.Settings{}, fmt.Errorf("sink %s: %w", sinkName, err)
	}
	mode, _ := slicer.ParseMode(cfg.Mode)
	policy, _ := cirrus.ParsePolicy(cfg.Malformed)
	comp := slicer.Components{Source: src, Sink: sink}
	set := slicer.Settings{
		Mode:      mode,
		Dump:      strings.TrimSpace(cfg.Dump),
		BatchSize: cfg.BatchSize,
		Malformed: policy,
		SinkName:  sinkName,
	}
	if mode == slicer.ModeLookup {
		ln := effName(cfg.Components.Lookup, d.Components.Lookup)
		if comp.Lookup, err = registry.Lookup[ln](cfg.Options.Lookup); err != nil {
			return slicer.Components{}, slicer.Settings{}, fmt.Errorf("lookup %s: %w", ln, err)
		}
		f, err := os.Open(cfg.TitleIndex)
		if err != nil {
			return slicer.Components{}, slicer.Settings{}, fmt.Errorf("title index: %w", err)
		}
		defer f.Close()
		if set.Index, err = targets.LoadTitleIndex(f); err != nil {
			return slicer.Components{}, slicer.Settings{}, fmt.Errorf("title index %s: %w", cfg.TitleIndex, err)
		}
	}
	return comp, set, nil
}

// Targets 按配置的来源载入目标集合；category 来源会访问维基 API。
func Targets(ctx context.Context, cfg Config) (contract.TargetSet, error) {
	switch {
	case strings.TrimSpace(cfg.Slice) != "":
		f, err := os.Open(cfg.Slice)
		if err != nil {
			return nil, fmt.Errorf("slice: %w", err)
		}
		defer f.Close()
		return targets.LoadSlice(f, cfg.IDs)
	case len(cfg.Titles) > 0:
		if cfg.IDs {
			return targets.ParseIDs(cfg.Titles)
		}
		return targets.NewTitleSet(cfg.Titles), nil
	case strings.TrimSpace(cfg.Category) != "":
		c, err := wikiapi.New(cfg.WikiAPI)
		if err != nil {
			return nil, err
		}
		res, err := c.Crawl(ctx, cfg.Category, cfg.CategoryDepth)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", cfg.Category, err)
		}
		return targets.NewTitleSet(res.Titles()), nil
	}
	return nil, fmt.Errorf("no target source: %w", contract.ErrInvalidInput)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
