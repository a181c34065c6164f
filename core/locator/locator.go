package locator

import (
	"fmt"
	"iter"
	"strings"

	"llm-toolfix/models"
)

// Location 工具列表在请求中的位置标签
type Location string

const (
	// LocationKwargs 顶层 kwargs.tools
	LocationKwargs Location = "kwargs.tools"
	// LocationCompleteInput additional_args.complete_input_dict.tools（provider 专用容器）
	LocationCompleteInput Location = "complete_input"
	// LocationSystemMessage system 消息 content 数组中的 tools
	LocationSystemMessage Location = "system_message"
)

type stepKind int

const (
	stepField stepKind = iota
	stepEach
	stepWhere
)

// Step 路径中的一步
type Step struct {
	kind  stepKind
	key   string
	value string
}

// Field 进入对象字段，非对象或字段不存在则该分支终止
func Field(name string) Step { return Step{kind: stepField, key: name} }

// Each 展开数组的每个元素，非数组则该分支终止
func Each() Step { return Step{kind: stepEach} }

// Where 仅保留 key 字段等于字符串 value 的对象
func Where(key, value string) Step { return Step{kind: stepWhere, key: key, value: value} }

// Descriptor 一个扫描位置：提取路径 + 标签
type Descriptor struct {
	Tag  Location
	Path []Step
}

// Match 一次命中：位置标签、具体路径、工具列表（原请求中的节点，可原位修改）
type Match struct {
	Tag   Location
	Path  string
	Tools *models.Node
}

// DefaultDescriptors 按扫描顺序排列的默认位置
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			Tag:  LocationKwargs,
			Path: []Step{Field("tools")},
		},
		{
			Tag:  LocationCompleteInput,
			Path: []Step{Field("additional_args"), Field("complete_input_dict"), Field("tools")},
		},
		{
			Tag: LocationSystemMessage,
			Path: []Step{
				Field("messages"), Each(), Where("role", "system"),
				Field("content"), Each(), Field("tools"),
			},
		},
	}
}

// Locator 按描述符列表查找工具定义，不做任何修改
type Locator struct {
	descriptors []Descriptor
}

// New 使用自定义描述符创建 Locator
func New(descriptors ...Descriptor) *Locator {
	ds := make([]Descriptor, len(descriptors))
	copy(ds, descriptors)
	return &Locator{descriptors: ds}
}

// Default 使用三个默认位置
func Default() *Locator {
	return New(DefaultDescriptors()...)
}

// Descriptors 返回描述符副本
func (l *Locator) Descriptors() []Descriptor {
	ds := make([]Descriptor, len(l.descriptors))
	copy(ds, l.descriptors)
	return ds
}

// Tags 按扫描顺序返回位置标签
func (l *Locator) Tags() []string {
	tags := make([]string, 0, len(l.descriptors))
	for _, d := range l.descriptors {
		tags = append(tags, string(d.Tag))
	}
	return tags
}

// Locate 惰性返回所有命中（每个描述符独立检查，一个请求可以命中多处）
// 返回的序列可以重复遍历，每次遍历都重新扫描
func (l *Locator) Locate(ctx *models.Node) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		for _, d := range l.descriptors {
			if !walk(ctx, d.Path, "", func(tools *models.Node, path string) bool {
				return yield(Match{Tag: d.Tag, Path: path, Tools: tools})
			}) {
				return
			}
		}
	}
}

// walk 沿路径深度优先展开；末端为非空数组时回调。返回 false 表示调用方要求停止
func walk(node *models.Node, path []Step, at string, emit func(*models.Node, string) bool) bool {
	if len(path) == 0 {
		if node.IsArray() && node.Len() > 0 {
			return emit(node, at)
		}
		return true
	}

	step, rest := path[0], path[1:]
	switch step.kind {
	case stepField:
		child, ok := node.Get(step.key)
		if !ok {
			return true
		}
		return walk(child, rest, join(at, step.key), emit)
	case stepEach:
		for i, elem := range node.Elems() {
			if !walk(elem, rest, fmt.Sprintf("%s[%d]", at, i), emit) {
				return false
			}
		}
		return true
	case stepWhere:
		v, ok := node.Get(step.key)
		if !ok {
			return true
		}
		if s, ok := v.Str(); !ok || s != step.value {
			return true
		}
		return walk(node, rest, at, emit)
	}
	return true
}

func join(at, key string) string {
	if at == "" {
		return key
	}
	return strings.Join([]string{at, key}, ".")
}
