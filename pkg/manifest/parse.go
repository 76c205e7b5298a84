package manifest

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// 制品内清单文件路径。
const (
	ManifestPath = "META-INF/MANIFEST.MF"
	YAMLPath     = "plugin.yaml"
)

// Files 是按优先级查找的清单文件，存在多个时只取第一个。
var Files = []string{ManifestPath, YAMLPath}

// ParseMF 解析 JAR 风格清单：每行 "Key: Value"，以单个空格开头的行续接上一行，
// 空行结束主段。
func ParseMF(data []byte) (Headers, error) {
	h := make(Headers)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var key string
	var val strings.Builder
	flush := func() {
		if key != "" {
			h[key] = strings.TrimSpace(val.String())
		}
		key = ""
		val.Reset()
	}

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			if key != "" || len(h) > 0 {
				break
			}
			continue
		}
		if text[0] == ' ' {
			if key == "" {
				return nil, errors.Wrapf(ErrSyntax, "line %d: continuation without header", line)
			}
			val.WriteString(text[1:])
			continue
		}
		flush()
		colon := strings.Index(text, ":")
		if colon <= 0 {
			return nil, errors.Wrapf(ErrSyntax, "line %d: expected 'Key: Value'", line)
		}
		key = strings.TrimSpace(text[:colon])
		val.WriteString(strings.TrimPrefix(text[colon+1:], " "))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "manifest: read")
	}
	flush()
	return h, nil
}

// ParseYAML 解析 plugin.yaml，顶层必须是标量键值映射。标量保留原始文本，
// 避免 "1.10" 被当作浮点数。
func ParseYAML(data []byte) (Headers, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(ErrSyntax, err.Error())
	}
	h := make(Headers, len(raw))
	for k, node := range raw {
		switch node.Kind {
		case yaml.ScalarNode:
			h[k] = node.Value
		case yaml.SequenceNode:
			parts := make([]string, 0, len(node.Content))
			for _, item := range node.Content {
				if item.Kind != yaml.ScalarNode {
					return nil, errors.Wrapf(ErrSyntax, "key %q: only scalar list items are supported", k)
				}
				parts = append(parts, item.Value)
			}
			h[k] = strings.Join(parts, ",")
		default:
			return nil, errors.Wrapf(ErrSyntax, "key %q: nested maps are not supported", k)
		}
	}
	return h, nil
}

// Parse 根据清单文件路径选择解析器。
func Parse(path string, data []byte) (Headers, error) {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return ParseYAML(data)
	}
	return ParseMF(data)
}
