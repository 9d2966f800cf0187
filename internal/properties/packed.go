package properties

import (
	"os"
	"path/filepath"
	"strings"
)

// EntryPointPath 入口类对应的 smali 相对路径
func EntryPointPath(mainActivity string) string {
	name := strings.ReplaceAll(mainActivity, "'", "")
	return filepath.Join(strings.Split(name, ".")...) + ".smali"
}

// DetectPacked 入口类在所有 smali 目录中都找不到，且存在动态加载 DEX 的迹象时判定为加壳
// mainActivity 为空时不做判定
func DetectPacked(rec Record, smaliDirs []string, mainActivity string) bool {
	packed := false
	if mainActivity != "" && !entryPointPresent(smaliDirs, mainActivity) {
		packed = rec.IsTrue(PropDexClassLoader) || rec.IsTrue(PropDexFile)
	}
	rec.SetBool(PropPacked, packed)
	return packed
}

func entryPointPresent(smaliDirs []string, mainActivity string) bool {
	rel := EntryPointPath(mainActivity)
	for _, dir := range smaliDirs {
		f, err := os.Open(filepath.Join(dir, rel))
		if err == nil {
			f.Close()
			return true
		}
	}
	return false
}
