package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind JSON 值的六种变体
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var ErrInvalidJSON = errors.New("invalid json")

// Node Schema 树节点 (tagged variant)
// 对象字段保持原始顺序；数字保留字面量文本，避免 float 精度损失
type Node struct {
	kind Kind
	b    bool
	text string // KindNumber 的字面量 / KindString 的值
	arr  []*Node
	obj  *orderedmap.OrderedMap[string, *Node]
}

// Field 用于构造对象节点的键值对
type Field struct {
	Key   string
	Value *Node
}

func Null() *Node { return &Node{kind: KindNull} }

func Bool(b bool) *Node { return &Node{kind: KindBool, b: b} }

func String(s string) *Node { return &Node{kind: KindString, text: s} }

// Number 使用 JSON 字面量构造数字节点，如 "42"、"1.5e3"
func Number(literal string) *Node { return &Node{kind: KindNumber, text: literal} }

func Int(i int64) *Node { return Number(strconv.FormatInt(i, 10)) }

func Array(elems ...*Node) *Node {
	arr := make([]*Node, 0, len(elems))
	arr = append(arr, elems...)
	return &Node{kind: KindArray, arr: arr}
}

func Object(fields ...Field) *Node {
	n := &Node{kind: KindObject, obj: orderedmap.New[string, *Node]()}
	for _, f := range fields {
		n.obj.Set(f.Key, f.Value)
	}
	return n
}

// F 是 Field 的简写
func F(key string, value *Node) Field { return Field{Key: key, Value: value} }

// Kind 返回节点类型，nil 视为 null
func (n *Node) Kind() Kind {
	if n == nil {
		return KindNull
	}
	return n.kind
}

func (n *Node) IsObject() bool { return n.Kind() == KindObject }

func (n *Node) IsArray() bool { return n.Kind() == KindArray }

// Str 返回字符串值；非字符串节点返回 false
func (n *Node) Str() (string, bool) {
	if n.Kind() != KindString {
		return "", false
	}
	return n.text, true
}

func (n *Node) BoolValue() (bool, bool) {
	if n.Kind() != KindBool {
		return false, false
	}
	return n.b, true
}

// Get 读取对象字段；非对象或字段不存在时返回 false
func (n *Node) Get(key string) (*Node, bool) {
	if n.Kind() != KindObject {
		return nil, false
	}
	return n.obj.Get(key)
}

// Has 判断对象是否包含字段
func (n *Node) Has(key string) bool {
	_, ok := n.Get(key)
	return ok
}

// Set 设置对象字段。已存在的字段原位替换，保持顺序；非对象节点忽略
func (n *Node) Set(key string, value *Node) {
	if n.Kind() != KindObject {
		return
	}
	n.obj.Set(key, value)
}

// Keys 按原始顺序返回对象字段名
func (n *Node) Keys() []string {
	if n.Kind() != KindObject {
		return nil
	}
	keys := make([]string, 0, n.obj.Len())
	for pair := n.obj.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Fields 按原始顺序返回对象的键值对
func (n *Node) Fields() []Field {
	if n.Kind() != KindObject {
		return nil
	}
	fields := make([]Field, 0, n.obj.Len())
	for pair := n.obj.Oldest(); pair != nil; pair = pair.Next() {
		fields = append(fields, Field{Key: pair.Key, Value: pair.Value})
	}
	return fields
}

// Elems 返回数组元素（共享底层节点，可原位修改元素）
func (n *Node) Elems() []*Node {
	if n.Kind() != KindArray {
		return nil
	}
	return n.arr
}

// Len 数组长度或对象字段数，其它类型为 0
func (n *Node) Len() int {
	switch n.Kind() {
	case KindArray:
		return len(n.arr)
	case KindObject:
		return n.obj.Len()
	default:
		return 0
	}
}

// Equal 结构相等：对象比较字段顺序与值，数字比较字面量
func (n *Node) Equal(other *Node) bool {
	if n.Kind() != other.Kind() {
		return false
	}
	switch n.Kind() {
	case KindNull:
		return true
	case KindBool:
		return n.b == other.b
	case KindNumber, KindString:
		return n.text == other.text
	case KindArray:
		if len(n.arr) != len(other.arr) {
			return false
		}
		for i := range n.arr {
			if !n.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if n.obj.Len() != other.obj.Len() {
			return false
		}
		a, b := n.obj.Oldest(), other.obj.Oldest()
		for a != nil && b != nil {
			if a.Key != b.Key || !a.Value.Equal(b.Value) {
				return false
			}
			a, b = a.Next(), b.Next()
		}
		return true
	}
	return false
}

// Clone 深拷贝
func (n *Node) Clone() *Node {
	switch n.Kind() {
	case KindArray:
		elems := make([]*Node, len(n.arr))
		for i, e := range n.arr {
			elems[i] = e.Clone()
		}
		return &Node{kind: KindArray, arr: elems}
	case KindObject:
		out := Object()
		for pair := n.obj.Oldest(); pair != nil; pair = pair.Next() {
			out.obj.Set(pair.Key, pair.Value.Clone())
		}
		return out
	case KindNull:
		return Null()
	default:
		cp := *n
		return &cp
	}
}

// ParseNode 解析 JSON 文本，按文档顺序保留对象字段
func ParseNode(data []byte) (*Node, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	return fromResult(gjson.ParseBytes(data)), nil
}

func fromResult(r gjson.Result) *Node {
	switch r.Type {
	case gjson.Null:
		return Null()
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	case gjson.Number:
		return Number(r.Raw)
	case gjson.String:
		return String(r.Str)
	}

	if r.IsArray() {
		out := Array()
		r.ForEach(func(_, value gjson.Result) bool {
			out.arr = append(out.arr, fromResult(value))
			return true
		})
		return out
	}

	out := Object()
	r.ForEach(func(key, value gjson.Result) bool {
		out.obj.Set(key.Str, fromResult(value))
		return true
	})
	return out
}

// MarshalJSON 按字段顺序输出
func (n *Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *Node) encode(buf *bytes.Buffer) error {
	switch n.Kind() {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(n.b))
	case KindNumber:
		buf.WriteString(n.text)
	case KindString:
		if err := writeJSONString(buf, n.text); err != nil {
			return err
		}
	case KindArray:
		buf.WriteByte('[')
		for i, e := range n.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		i := 0
		for pair := n.obj.Oldest(); pair != nil; pair = pair.Next() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONString(buf, pair.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := pair.Value.encode(buf); err != nil {
				return err
			}
			i++
		}
		buf.WriteByte('}')
	}
	return nil
}

// writeJSONString 不转义 HTML 字符，透传时保持原文
func writeJSONString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// UnmarshalJSON 允许 Node 直接作为请求结构体字段被 gin 绑定
func (n *Node) UnmarshalJSON(data []byte) error {
	parsed, err := ParseNode(data)
	if err != nil {
		return err
	}
	*n = *parsed
	return nil
}

// String 便于日志输出
func (n *Node) String() string {
	b, err := n.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}
