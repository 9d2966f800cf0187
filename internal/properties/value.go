package properties

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind 属性值类型
type Kind int

const (
	KindBool Kind = iota
	KindList
	KindText
	KindUnknown
)

// UnknownText 无法判定的属性在报告中的取值
const UnknownText = "unknown"

// Value 属性值：布尔、字符串列表、文本或未知
type Value struct {
	kind Kind
	b    bool
	list []string
	text string
}

// Bool 布尔值
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List 字符串列表值
func List(items ...string) Value {
	return Value{kind: KindList, list: append([]string{}, items...)}
}

// Text 文本值
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Unknown 未知值（对应目录不可读等情况）
func Unknown() Value { return Value{kind: KindUnknown} }

func (v Value) Kind() Kind { return v.kind }

// IsTrue 仅布尔 true 返回 true
func (v Value) IsTrue() bool { return v.kind == KindBool && v.b }

// Items 列表内容副本，非列表返回 nil
func (v Value) Items() []string {
	if v.kind != KindList {
		return nil
	}
	return append([]string{}, v.list...)
}

// String 文本形式
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindList:
		return fmt.Sprintf("%v", v.list)
	case KindText:
		return v.text
	default:
		return UnknownText
	}
}

// MarshalJSON 未知值输出为字符串 "unknown"
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindText:
		return json.Marshal(v.text)
	default:
		return json.Marshal(UnknownText)
	}
}

// UnmarshalJSON 从报告 JSON 还原
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case bool:
		*v = Bool(t)
	case string:
		if t == UnknownText {
			*v = Unknown()
		} else {
			*v = Text(t)
		}
	case []interface{}:
		items := make([]string, 0, len(t))
		for _, it := range t {
			s, ok := it.(string)
			if !ok {
				return fmt.Errorf("property list item %v is not a string", it)
			}
			items = append(items, s)
		}
		*v = List(items...)
	case nil:
		*v = Unknown()
	default:
		return fmt.Errorf("unsupported property value %s", string(data))
	}
	return nil
}

// Record 属性名 → 属性值
type Record map[string]Value

// Set 设置属性
func (r Record) Set(name string, v Value) { r[name] = v }

// SetBool 设置布尔属性
func (r Record) SetBool(name string, b bool) { r[name] = Bool(b) }

// IsTrue 属性是否为布尔 true
func (r Record) IsTrue(name string) bool { return r[name].IsTrue() }

// Items 列表属性内容
func (r Record) Items(name string) []string { return r[name].Items() }

// AppendUnique 向列表属性追加未出现过的条目，返回是否追加
func (r Record) AppendUnique(name, item string) bool {
	v, ok := r[name]
	if !ok || v.kind != KindList {
		v = List()
	}
	for _, existing := range v.list {
		if existing == item {
			return false
		}
	}
	v.list = append(append(make([]string, 0, len(v.list)+1), v.list...), item)
	r[name] = v
	return true
}

// MarkUnknown 将所有属性置为未知
func (r Record) MarkUnknown() {
	for name := range r {
		r[name] = Unknown()
	}
}

// Merge 用另一份记录覆盖同名属性
func (r Record) Merge(other Record) {
	for name, v := range other {
		r[name] = v
	}
}

// TrueNames 值为 true 的属性名（排序后）
func (r Record) TrueNames() []string {
	var out []string
	for name, v := range r {
		if v.IsTrue() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
