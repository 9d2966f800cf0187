package analysis

import (
	"archive/zip"
	"bufio"
	"debug/elf"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	EmbeddedARM = "arm"
	EmbeddedAPK = "apk"

	minStringLen = 4
)

// embeddedDirs 可能藏有可执行文件的目录（不递归）
var embeddedDirs = []string{
	"assets",
	filepath.Join("res", "raw"),
	filepath.Join("lib", "armeabi"),
	filepath.Join("lib", "arm64-v8a"),
}

// findEmbedded 识别 dir 下的 ARM ELF 以及内含 APK 的压缩包
func (a *Analyzer) findEmbedded(dir string) []EmbeddedFile {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var found []EmbeddedFile
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		mt, err := mimetype.DetectFile(path)
		if err != nil {
			a.logger.WithError(err).WithField("file", path).Debug("Cannot sniff file type")
			continue
		}

		switch {
		case hasAncestor(mt, "application/x-elf"):
			if isARM(path) {
				found = append(found, EmbeddedFile{Path: path, Kind: EmbeddedARM, MIME: mt.String()})
			}
		case hasAncestor(mt, "application/zip"):
			if containsAPK(path) {
				found = append(found, EmbeddedFile{Path: path, Kind: EmbeddedAPK, MIME: mt.String()})
			}
		}
	}
	return found
}

func hasAncestor(mt *mimetype.MIME, mime string) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is(mime) {
			return true
		}
	}
	return false
}

func isARM(path string) bool {
	f, err := elf.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return f.Machine == elf.EM_ARM || f.Machine == elf.EM_AARCH64
}

// containsAPK 压缩包中含有 DEX 或清单文件即视为安装包
func containsAPK(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Name == "classes.dex" || f.Name == "AndroidManifest.xml" {
			return true
		}
	}
	return false
}

// extractStrings 提取文件中长度不小于 4 的可打印字符串，每行一个
func extractStrings(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var (
		out     strings.Builder
		current []byte
	)
	flush := func() {
		if len(current) >= minStringLen {
			out.Write(current)
			out.WriteByte('\n')
		}
		current = current[:0]
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		b, err := reader.ReadByte()
		if err == io.EOF {
			flush()
			return out.String(), nil
		}
		if err != nil {
			return "", err
		}
		if (b >= 0x20 && b <= 0x7e) || b == '\t' {
			current = append(current, b)
			continue
		}
		flush()
	}
}
