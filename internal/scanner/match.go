package scanner

// MatchRecord 一次命中：文件、整行内容（不含行尾换行）与 1 起始的行号
type MatchRecord struct {
	File       string `json:"file"`
	Line       []byte `json:"-"`
	LineNumber int    `json:"line_number"`
}

// LineText 以 UTF-8 返回命中行
func (r MatchRecord) LineText() string {
	return toValidUTF8(r.Line)
}

// MatchIndex 命中文本 → 命中记录列表，键按首次出现顺序保存
type MatchIndex struct {
	keys    []string
	records map[string][]MatchRecord
}

// NewMatchIndex 创建空索引
func NewMatchIndex() *MatchIndex {
	return &MatchIndex{records: make(map[string][]MatchRecord)}
}

// Add 追加一条命中记录
func (m *MatchIndex) Add(key string, rec MatchRecord) {
	if _, ok := m.records[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.records[key] = append(m.records[key], rec)
}

// Merge 按键拼接另一个索引的记录，保持双方顺序
func (m *MatchIndex) Merge(other *MatchIndex) {
	if other == nil {
		return
	}
	for _, key := range other.keys {
		for _, rec := range other.records[key] {
			m.Add(key, rec)
		}
	}
}

// Get 返回某个命中文本的全部记录
func (m *MatchIndex) Get(key string) []MatchRecord {
	if m == nil {
		return nil
	}
	return m.records[key]
}

// Has 是否存在该命中文本
func (m *MatchIndex) Has(key string) bool {
	return len(m.Get(key)) > 0
}

// Keys 命中文本列表（首次出现顺序）
func (m *MatchIndex) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len 不同命中文本数量
func (m *MatchIndex) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Total 命中记录总数
func (m *MatchIndex) Total() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, recs := range m.records {
		n += len(recs)
	}
	return n
}
