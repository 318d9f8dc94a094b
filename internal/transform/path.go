package transform

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// splitPath 按 "." 切分修改路径，空路径或含空段的路径视为无效
func splitPath(path string) ([]string, bool) {
	if path == "" {
		return nil, false
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, false
		}
	}
	return segs, true
}

// escapeKey 转义 sjson 路径中的特殊字符，使对象键按字面量处理
func escapeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key) + 2)
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '\\', '.', '|', '#', '@', '*', '?', ':', '!':
			b.WriteByte('\\')
		}
		b.WriteByte(key[i])
	}
	return b.String()
}

// objectKeyPath 生成强制按对象键写入的单段 sjson 路径
func objectKeyPath(key string) string {
	return ":" + escapeKey(key)
}

func arrayIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	for i := 0; i < len(seg); i++ {
		if seg[i] < '0' || seg[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}

// child 读取容器 doc 下名为 seg 的直接子节点
func child(doc gjson.Result, seg string) gjson.Result {
	switch {
	case doc.IsObject():
		var found gjson.Result
		doc.ForEach(func(key, value gjson.Result) bool {
			if key.String() == seg {
				found = value
			}
			return true
		})
		return found
	case doc.IsArray():
		idx, ok := arrayIndex(seg)
		if !ok {
			return gjson.Result{}
		}
		items := doc.Array()
		if idx >= len(items) {
			return gjson.Result{}
		}
		return items[idx]
	default:
		return gjson.Result{}
	}
}

// setChild 在容器 doc 下写入直接子节点；数组下的非数字段无法表示，返回 false
func setChild(doc []byte, seg string, value []byte) ([]byte, bool) {
	root := gjson.ParseBytes(doc)
	var path string
	switch {
	case root.IsObject():
		path = objectKeyPath(seg)
	case root.IsArray():
		if _, ok := arrayIndex(seg); !ok {
			return doc, false
		}
		path = seg
	default:
		return doc, false
	}
	out, err := sjson.SetRawBytes(doc, path, value)
	if err != nil {
		return doc, false
	}
	return out, true
}

// setPath 沿 segs 逐层写入 value，缺失或非容器的中间层替换为空对象
func setPath(doc []byte, segs []string, value []byte) ([]byte, bool) {
	if len(segs) == 1 {
		return setChild(doc, segs[0], value)
	}
	cur := child(gjson.ParseBytes(doc), segs[0])
	var sub []byte
	if cur.Exists() && (cur.IsObject() || cur.IsArray()) {
		sub = []byte(cur.Raw)
	} else {
		sub = []byte("{}")
	}
	sub, ok := setPath(sub, segs[1:], value)
	if !ok {
		return doc, false
	}
	return setChild(doc, segs[0], sub)
}
