package hook

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EncodeParams 参数编码为文件名片段: base64(zlib(json))，"/" 替换为 "_"
func EncodeParams(params interface{}) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("序列化参数失败: %w", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("压缩参数失败: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("压缩参数失败: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return strings.ReplaceAll(encoded, "/", "_"), nil
}

// DecodeParams 还原 EncodeParams 的结果，返回原始JSON
func DecodeParams(encoded string) (json.RawMessage, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(encoded, "_", "/"))
	if err != nil {
		return nil, fmt.Errorf("参数不是有效的base64: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("参数解压失败: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("参数解压失败: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("参数不是有效的JSON")
	}
	return json.RawMessage(data), nil
}

// TriggerName 触发文件名 <prefix>.<action>[.<params>]
func TriggerName(prefix, action, params string) string {
	name := prefix + "." + action
	if params != "" {
		name += "." + params
	}
	return name
}

// ParseTriggerName 拆分触发文件名，前缀不匹配时ok为false
func ParseTriggerName(prefix, name string) (action, params string, ok bool) {
	rest, found := strings.CutPrefix(name, prefix+".")
	if !found || rest == "" {
		return "", "", false
	}
	action, params, _ = strings.Cut(rest, ".")
	if action == "" {
		return "", "", false
	}
	return action, params, true
}
