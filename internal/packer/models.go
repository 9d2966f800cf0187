package packer

// PackerInfo 壳检测结果
type PackerInfo struct {
	IsPacked   bool     `json:"is_packed"`   // 是否加壳
	PackerName string   `json:"packer_name"` // 壳名称
	PackerType string   `json:"packer_type"` // 壳类型: dex_encrypt/native/vmp
	Confidence float64  `json:"confidence"`  // 置信度 0-1
	Indicators []string `json:"indicators"`  // 检测到的特征
}

// PackerType 壳类型枚举
const (
	PackerTypeNative     = "native"      // 原生库加密
	PackerTypeDexEncrypt = "dex_encrypt" // DEX加密
	PackerTypeVMP        = "vmp"         // 虚拟机保护
	PackerTypeUnknown    = "unknown"     // 未知类型
)

// PackerRule 壳检测规则
type PackerRule struct {
	Name       string       // 壳名称
	Type       string       // 壳类型
	NativeLibs []string     // 特征Native库
	Strings    []string     // 特征文件名片段
	ClassNames []string     // 特征类名（在 smali 目录中查找）
	FileSize   FileSizeRule // DEX/Native大小异常规则
	Priority   int          // 优先级 (越大越优先匹配)
}

// FileSizeRule 文件大小规则
type FileSizeRule struct {
	DEXMaxKB    int64 // DEX最大KB（小于此值可疑）
	NativeMinMB int64 // Native库最小MB（大于此值可疑）
}

// TreeStats 解包目录中与壳相关的统计
type TreeStats struct {
	NativeLibs      []string // 发现的Native库
	DEXSize         int64    // DEX总大小 (bytes)
	NativeSize      int64    // Native库总大小 (bytes)
	DEXCount        int      // DEX文件数量
	SuspiciousFiles []string // 可疑文件（相对路径）
	Classes         []string // 命中的特征类
}
