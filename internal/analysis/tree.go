package analysis

import (
	"encoding/xml"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	smaliDirName    = "smali"
	multidexPrefix  = "smali_classes"
	stringsXMLPath  = "res/values/strings.xml"
	ijiamiMarker    = "unzipped/assets/ijiami.dat"
	appNameResource = "app_name"
)

// smaliDirs 返回 smali 目录及多 DEX 的 smali_classesN 目录（主目录在前）
// 主 smali 目录缺失或为空时返回 nil，对应的 smali 属性为未知
func smaliDirs(root string) (dirs []string, multidex []string) {
	main := filepath.Join(root, smaliDirName)
	if !nonEmptyDir(main) {
		return nil, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), multidexPrefix) {
			multidex = append(multidex, e.Name())
		}
	}
	sort.Strings(multidex)

	dirs = []string{main}
	for _, name := range multidex {
		dirs = append(dirs, filepath.Join(root, name))
	}
	return dirs, multidex
}

func nonEmptyDir(dir string) bool {
	f, err := os.Open(dir)
	if err != nil {
		return false
	}
	defer f.Close()
	names, _ := f.Readdirnames(1)
	return len(names) > 0
}

// countFileDirs 递归统计目录与文件数量（不含根目录本身）
func countFileDirs(root string) FileStats {
	var stats FileStats
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		if d.IsDir() {
			stats.Dirs++
		} else {
			stats.Classes++
		}
		return nil
	})
	return stats
}

type stringsXML struct {
	Strings []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:",chardata"`
	} `xml:"string"`
}

// readAppName 从 res/values/strings.xml 读取 app_name，仅保留可打印 ASCII
func readAppName(root string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(stringsXMLPath)))
	if err != nil {
		return "", false
	}
	var doc stringsXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	for _, s := range doc.Strings {
		if s.Name != appNameResource {
			continue
		}
		name := strings.TrimSpace(strings.Map(func(r rune) rune {
			if r >= 0x20 && r <= 0x7e {
				return r
			}
			return -1
		}, s.Value))
		return name, name != ""
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
