package config

import (
	"encoding/json"

	"cirrusslice/internal/wikiapi"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Dump: 转储路径；"-" 为 STDIN（仅 scan 模式）。
	Dump string `json:"dump"`

	// 目标来源三选一：slice 文件 / 内联 titles / 维基分类。
	Slice         string   `json:"slice"`
	Titles        []string `json:"titles"`
	Category      string   `json:"category"`
	CategoryDepth int      `json:"category_depth"` // 0 表示不限深度
	// IDs: 目标为页面 ID（仅 slice/titles 来源）。
	IDs bool `json:"ids"`

	// Mode: scan | lookup。
	Mode string `json:"mode"`
	// TitleIndex: 标题索引边车路径（lookup 模式必需）。
	TitleIndex string `json:"title_index"`
	BatchSize  int    `json:"batch_size"`
	// Malformed: skip | abort。
	Malformed string `json:"malformed"`

	Logging Logging         `json:"logging"`
	WikiAPI wikiapi.Options `json:"wiki_api"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Source string `json:"source"`
	Sink   string `json:"sink"`
	Lookup string `json:"lookup"`
}

// Options: 各组件的原样 JSON Options。
// Sink 按实现名分别保存，切换 components.sink 时无需改写选项。
type Options struct {
	Source json.RawMessage            `json:"source"`
	Sink   map[string]json.RawMessage `json:"sink"`
	Lookup json.RawMessage            `json:"lookup"`
}
