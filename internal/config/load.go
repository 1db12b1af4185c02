package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：Dump 与目标来源不设默认（必须由 JSON/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Mode:      "scan",
		BatchSize: 1000,
		Malformed: "skip",
		Logging:   Logging{Level: "info"},
		Components: Components{
			Source: "fs",
			Sink:   "file",
			Lookup: "sed",
		},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if strings.TrimSpace(over.Dump) != "" {
		out.Dump = strings.TrimSpace(over.Dump)
	}
	// 目标来源：任一来源被覆盖时清空其余来源，避免与下层配置混用
	switch {
	case over.Slice != "":
		out.Slice, out.Titles, out.Category = over.Slice, nil, ""
	case len(over.Titles) > 0:
		out.Slice, out.Titles, out.Category = "", cloneStrings(over.Titles), ""
	case over.Category != "":
		out.Slice, out.Titles, out.Category = "", nil, over.Category
	}
	if over.CategoryDepth != 0 {
		out.CategoryDepth = over.CategoryDepth
	}
	if over.IDs {
		out.IDs = true
	}
	if over.Mode != "" {
		out.Mode = over.Mode
	}
	if over.TitleIndex != "" {
		out.TitleIndex = over.TitleIndex
	}
	if over.BatchSize != 0 {
		out.BatchSize = over.BatchSize
	}
	if over.Malformed != "" {
		out.Malformed = over.Malformed
	}
	// Logging（仅 level）
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}
	// Wiki API（逐字段，空不覆盖）
	if over.WikiAPI.Endpoint != "" {
		out.WikiAPI.Endpoint = over.WikiAPI.Endpoint
	}
	if over.WikiAPI.UserAgent != "" {
		out.WikiAPI.UserAgent = over.WikiAPI.UserAgent
	}
	if over.WikiAPI.TimeoutSeconds != 0 {
		out.WikiAPI.TimeoutSeconds = over.WikiAPI.TimeoutSeconds
	}
	if over.WikiAPI.MaxRetries != 0 {
		out.WikiAPI.MaxRetries = over.WikiAPI.MaxRetries
	}

	// 组件名（空不覆盖）
	if over.Components.Source != "" {
		out.Components.Source = over.Components.Source
	}
	if over.Components.Sink != "" {
		out.Components.Sink = over.Components.Sink
	}
	if over.Components.Lookup != "" {
		out.Components.Lookup = over.Components.Lookup
	}

	// Options（完整替换对应键）
	if len(over.Options.Source) > 0 {
		out.Options.Source = cloneRaw(over.Options.Source)
	}
	if len(over.Options.Lookup) > 0 {
		out.Options.Lookup = cloneRaw(over.Options.Lookup)
	}
	if len(over.Options.Sink) > 0 {
		m := make(map[string]json.RawMessage, len(out.Options.Sink)+len(over.Options.Sink))
		for k, v := range out.Options.Sink {
			m[k] = v
		}
		for k, v := range over.Options.Sink {
			m[k] = cloneRaw(v)
		}
		out.Options.Sink = m
	}
	return out
}

// EnvPrefix: 环境变量前缀。
const EnvPrefix = "CIRRUS_SLICE_"

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 支持：DUMP, SLICE, TITLES, CATEGORY, CATEGORY_DEPTH, IDS, MODE, TITLE_INDEX,
// BATCH_SIZE, MALFORMED, LOG_LEVEL, WIKI_API_{ENDPOINT,USER_AGENT}, COMPONENTS_*,
// OPTIONS_{SOURCE,LOOKUP}_JSON 以及 SINK__<name>__OPTIONS_JSON。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key, val := kv[len(EnvPrefix):eq], kv[eq+1:]
		tv := strings.TrimSpace(val)
		switch key {
		case "DUMP":
			over.Dump = tv
		case "SLICE":
			over.Slice = tv
		case "TITLES":
			over.Titles = splitComma(val)
		case "CATEGORY":
			over.Category = tv
		case "CATEGORY_DEPTH":
			v, err := atoi(val)
			if err != nil {
				return over, fmt.Errorf("%sCATEGORY_DEPTH: %w", EnvPrefix, err)
			}
			over.CategoryDepth = v
		case "IDS":
			over.IDs = truthy(tv)
		case "MODE":
			over.Mode = tv
		case "TITLE_INDEX":
			over.TitleIndex = tv
		case "BATCH_SIZE":
			v, err := atoi(val)
			if err != nil {
				return over, fmt.Errorf("%sBATCH_SIZE: %w", EnvPrefix, err)
			}
			over.BatchSize = v
		case "MALFORMED":
			over.Malformed = tv
		case "LOG_LEVEL":
			over.Logging.Level = tv
		case "WIKI_API_ENDPOINT":
			over.WikiAPI.Endpoint = tv
		case "WIKI_API_USER_AGENT":
			over.WikiAPI.UserAgent = tv
		case "COMPONENTS_SOURCE":
			over.Components.Source = tv
		case "COMPONENTS_SINK":
			over.Components.Sink = tv
		case "COMPONENTS_LOOKUP":
			over.Components.Lookup = tv
		case "OPTIONS_SOURCE_JSON":
			if tv != "" {
				over.Options.Source = json.RawMessage(tv)
			}
		case "OPTIONS_LOOKUP_JSON":
			if tv != "" {
				over.Options.Lookup = json.RawMessage(tv)
			}
		default:
			// SINK__<name>__OPTIONS_JSON；空值视为未设置，避免清空 config.json 中的选项
			parts := strings.Split(key, "__")
			if len(parts) == 3 && parts[0] == "SINK" && parts[2] == "OPTIONS_JSON" && tv != "" {
				if over.Options.Sink == nil {
					over.Options.Sink = map[string]json.RawMessage{}
				}
				over.Options.Sink[strings.ToLower(parts[1])] = json.RawMessage(tv)
			}
		}
	}
	return over, nil
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
