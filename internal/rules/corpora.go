package rules

import "fmt"

// 规则类别
const (
	CategoryKit   = "kit"
	CategorySmali = "smali"
	CategoryWide  = "wide"
	CategoryArm   = "arm"
)

// Corpora 一次运行共享的全部规则集，加载后只读
type Corpora struct {
	Kit   *Corpus
	Smali *Corpus
	Wide  *Corpus
	Arm   *Corpus // 可选
}

// Paths 各类规则文件路径
type Paths struct {
	Kit   string
	Smali string
	Wide  string
	Arm   string
}

// LoadCorpora 加载所有规则集，任一失败则整体失败
func LoadCorpora(p Paths) (*Corpora, error) {
	var (
		c   Corpora
		err error
	)

	if c.Kit, err = loadAs(CategoryKit, p.Kit); err != nil {
		return nil, err
	}
	if c.Smali, err = loadAs(CategorySmali, p.Smali); err != nil {
		return nil, err
	}
	if c.Wide, err = loadAs(CategoryWide, p.Wide); err != nil {
		return nil, err
	}
	if p.Arm != "" {
		if c.Arm, err = loadAs(CategoryArm, p.Arm); err != nil {
			return nil, err
		}
	}

	return &c, nil
}

func loadAs(category, path string) (*Corpus, error) {
	if path == "" {
		return nil, &ConfigError{Category: category, Reason: "no rule file configured"}
	}
	c, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s rules: %w", category, err)
	}
	c.Category = category
	return c, nil
}
