package config

import (
	"encoding/json"

	"cirrusslice/internal/wikiapi"
)

// DefaultTemplateConfig 返回一个默认配置模板：
// - 读取 STDIN 转储，目标来自 ./slice.txt，批量文件写到 ./out；
// - 组件名采用仓库内置实现；
// - 每个 sink 的选项都给出全部键与中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := d
	cfg.Dump = "-"
	cfg.Slice = "slice.txt"
	cfg.WikiAPI = wikiapi.Options{Endpoint: wikiapi.DefaultEndpoint, TimeoutSeconds: 30, MaxRetries: 3}
	cfg.Options.Source = json.RawMessage(`{
  "buf_size": 1048576,
  "compression": "auto"
}`)
	cfg.Options.Lookup = json.RawMessage(`{
  "sed": "sed",
  "timeout_seconds": 0
}`)
	cfg.Options.Sink = map[string]json.RawMessage{
		"file": json.RawMessage(`{
  "output_dir": "out",
  "prefix": "slice",
  "atomic": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 262144
}`),
		"elastic": json.RawMessage(`{
  "addresses": ["http://localhost:9200"],
  "username": "",
  "password": "",
  "password_env": "CIRRUS_SLICE_ES_PASSWORD",
  "api_key_env": "",
  "index": "enwiki-slice",
  "timeout_seconds": 30,
  "max_retries": 10,
  "retry_on_timeout": true,
  "retry_backoff_ms": 500,
  "recreate_index": true,
  "fail_on_item_error": false,
  "bulk_per_minute": 0,
  "docs_per_minute": 0,
  "wiki_api": {"endpoint": "", "user_agent": "", "timeout_seconds": 0, "max_retries": 0}
}`),
		"bleve": json.RawMessage(`{
  "path": "slice.bleve",
  "analyzer": "standard",
  "recreate": true,
  "store_text": false
}`),
		"memory": json.RawMessage(`{}`),
	}
	return cfg
}
