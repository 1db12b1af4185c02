package registry

import (
	"bytes"
	"encoding/json"

	"cirrusslice/internal/diag"
	"cirrusslice/pkg/contract"
	lsed "cirrusslice/plugins/lookup/sed"
	sbleve "cirrusslice/plugins/sink/bleve"
	selastic "cirrusslice/plugins/sink/elastic"
	sfile "cirrusslice/plugins/sink/file"
	smem "cirrusslice/plugins/sink/memory"
	srcfs "cirrusslice/plugins/source/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Deps: 工厂共享的运行期依赖。
type Deps struct {
	Logger *diag.Logger
}

// NewSource 工厂签名：接收原样 JSON Options。
type NewSource func(raw json.RawMessage) (contract.Source, error)

// NewSink 工厂签名：接收原样 JSON Options 与运行期依赖。
type NewSink func(raw json.RawMessage, deps Deps) (contract.Sink, error)

// NewLookup 工厂签名：接收原样 JSON Options。
type NewLookup func(raw json.RawMessage) (contract.LineFetcher, error)

// Source 工厂注册表（显式、零反射）。
var Source = map[string]NewSource{
	// fs: 文件系统/STDIN，按扩展名或魔数透明解压
	"fs": func(raw json.RawMessage) (contract.Source, error) {
		var opts srcfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return srcfs.New(&opts)
	},
}

// Sink 工厂注册表。
var Sink = map[string]NewSink{
	// file: 按批写出编号的 NDJSON 文件
	"file": func(raw json.RawMessage, _ Deps) (contract.Sink, error) {
		var opts sfile.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return sfile.New(&opts)
	},
	// elastic: Elasticsearch bulk 索引
	"elastic": func(raw json.RawMessage, deps Deps) (contract.Sink, error) {
		var opts selastic.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return selastic.New(&opts, deps.Logger)
	},
	// bleve: 本地全文索引
	"bleve": func(raw json.RawMessage, _ Deps) (contract.Sink, error) {
		var opts sbleve.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return sbleve.New(&opts)
	},
	// memory: 进程内收集（测试/演练）
	"memory": func(raw json.RawMessage, _ Deps) (contract.Sink, error) {
		var opts smem.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return smem.New(&opts), nil
	},
}

// Lookup 工厂注册表。
var Lookup = map[string]NewLookup{
	// sed: 外部 sed 按行号取回
	"sed": func(raw json.RawMessage) (contract.LineFetcher, error) {
		var opts lsed.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return lsed.New(&opts)
	},
}
