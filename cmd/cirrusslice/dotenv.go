package main

import (
	"bufio"
	"os"
	"strings"
)

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export "；
// - 仅按首个 '=' 分割，成对的单/双引号被去除，双引号内处理 \n \t \" \\；
// - 不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 && (val[0] == '\'' || val[0] == '"') && val[len(val)-1] == val[0] {
			quoted := val[0]
			val = val[1 : len(val)-1]
			if quoted == '"' {
				val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`, `\\`, `\`).Replace(val)
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// normalizeInitArg: 允许 --init-config 不带值（默认当前目录 "."）。
//
//	--init-config                => --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg(args []string) []string {
	out := make([]string, 0, len(args)+1)
	for i, a := range args {
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	return out
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	var b strings.Builder
	b.WriteString("# cirrusslice .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("CIRRUS_SLICE_CONFIG_FILE=\n")
	b.WriteString("CIRRUS_SLICE_CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"DUMP", "SLICE", "TITLES", "CATEGORY", "CATEGORY_DEPTH", "IDS", "MODE", "TITLE_INDEX", "BATCH_SIZE", "MALFORMED", "LOG_LEVEL"} {
		b.WriteString("CIRRUS_SLICE_" + k + "=\n")
	}
	b.WriteString("\n# 维基 API\n")
	b.WriteString("CIRRUS_SLICE_WIKI_API_ENDPOINT=\n")
	b.WriteString("CIRRUS_SLICE_WIKI_API_USER_AGENT=\n\n")

	b.WriteString("# 组件选择\n")
	b.WriteString("CIRRUS_SLICE_COMPONENTS_SOURCE=\n")
	b.WriteString("CIRRUS_SLICE_COMPONENTS_SINK=\n")
	b.WriteString("CIRRUS_SLICE_COMPONENTS_LOOKUP=\n\n")

	b.WriteString("# 组件选项（原样 JSON）\n")
	b.WriteString("CIRRUS_SLICE_OPTIONS_SOURCE_JSON=\n")
	b.WriteString("CIRRUS_SLICE_OPTIONS_LOOKUP_JSON=\n")
	for _, s := range []string{"FILE", "ELASTIC", "BLEVE"} {
		b.WriteString("CIRRUS_SLICE_SINK__" + s + "__OPTIONS_JSON=\n")
	}
	b.WriteString("\n# Elasticsearch 凭据（由 elastic sink 的 password_env 读取）\n")
	b.WriteString("CIRRUS_SLICE_ES_PASSWORD=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}
