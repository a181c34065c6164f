package schema

import (
	"llm-toolfix/models"
)

const (
	// wrapperKey 上游 schema 生成器引入的冗余包装字段
	wrapperKey = "value"
	typeKey    = "type"
	nullType   = "null"
	// defaultType type 数组全为 null 或为空时的兜底类型
	defaultType = "string"
)

// Report 一次简化中发生的改写次数
type Report struct {
	FlattenedWrappers int
	CollapsedTypes    int
}

// Changed 是否发生过改写
func (r Report) Changed() bool {
	return r.FlattenedWrappers > 0 || r.CollapsedTypes > 0
}

// Add 累加另一份报告
func (r *Report) Add(other Report) {
	r.FlattenedWrappers += other.FlattenedWrappers
	r.CollapsedTypes += other.CollapsedTypes
}

// Simplify 将工具参数 schema 改写为 Gemini 等解析器可接受的形式
//
// 两条改写规则：
//  1. {"value": {"type": ..., ...}} 包装对象整体替换为内部对象（递归展开）
//  2. "type": ["null", "integer"] 收敛为第一个非 "null" 的元素，全为 null 时取 "string"
//
// 其余结构原样保留（字段顺序、字段名不变），返回新树，不修改输入。
//
// 注意：规则 1 是启发式的。一个真实存在、名为 value 且带 type 的属性也会被展开，
// 这是为兼容上游生成器缺陷而保留的精度取舍。
func Simplify(node *models.Node) *models.Node {
	out, _ := SimplifyReport(node)
	return out
}

// SimplifyReport 同 Simplify，额外返回改写统计
func SimplifyReport(node *models.Node) (*models.Node, Report) {
	var r Report
	return simplify(node, &r), r
}

func simplify(node *models.Node, r *Report) *models.Node {
	switch node.Kind() {
	case models.KindNull, models.KindBool, models.KindNumber, models.KindString:
		return node
	case models.KindArray:
		elems := node.Elems()
		out := make([]*models.Node, len(elems))
		for i, e := range elems {
			out[i] = simplify(e, r)
		}
		return models.Array(out...)
	case models.KindObject:
		return simplifyObject(node, r)
	}
	return node
}

func simplifyObject(node *models.Node, r *Report) *models.Node {
	if inner, ok := unwrap(node); ok {
		r.FlattenedWrappers++
		return simplify(inner, r)
	}

	out := models.Object()
	for _, f := range node.Fields() {
		value := f.Value
		if f.Key == typeKey && value.IsArray() {
			// [["null","x"]] 这类嵌套数组一直收敛到非数组为止
			for value.IsArray() {
				value = collapseType(value)
			}
			r.CollapsedTypes++
		}
		out.Set(f.Key, simplify(value, r))
	}

	// value 字段自身简化后才暴露出 type（如 {"value": {"value": {"type": ...}}} 的中间层无 type），
	// 再展开一次，保证 Simplify(Simplify(n)) == Simplify(n)
	if inner, ok := unwrap(out); ok {
		r.FlattenedWrappers++
		return inner
	}
	return out
}

// unwrap 判断是否为 {"value": {"type": ...}} 形式的包装对象
func unwrap(node *models.Node) (*models.Node, bool) {
	inner, ok := node.Get(wrapperKey)
	if !ok || !inner.IsObject() || !inner.Has(typeKey) {
		return nil, false
	}
	return inner, true
}

// collapseType 取第一个不等于字符串 "null" 的元素
func collapseType(types *models.Node) *models.Node {
	for _, t := range types.Elems() {
		if s, ok := t.Str(); ok && s == nullType {
			continue
		}
		return t
	}
	return models.String(defaultType)
}
