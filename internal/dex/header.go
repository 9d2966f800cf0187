package dex

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/adler32"
	"os"
)

// 头部字段偏移
const (
	magicSize        = 8
	checksumOffset   = 8
	signatureOffset  = 12
	signatureEnd     = 32
	headerSizeOffset = 36
	dataSizeOffset   = 0x68
	dataOffOffset    = 0x6C

	// ExpectedHeaderSize 标准头部大小
	ExpectedHeaderSize = 0x70

	// MinSupportedVersion / MaxSupportedVersion 支持的 DEX 版本号范围
	MinSupportedVersion = 35
	MaxSupportedVersion = 41
)

// fill-array-data 反反汇编技巧：if-eq v0, v0, +9 后接 fill-array-data
var antiDisassemblySignature = []byte{0x32, 0x00, 0x09, 0x00, 0x26, 0x00, 0x03, 0x00, 0x00, 0x00}

// ErrEmptyFile DEX 文件为空
var ErrEmptyFile = errors.New("dex file is empty")

// HeaderFacts DEX 头部检查结果，读不到的字段保持默认值
type HeaderFacts struct {
	MagicVersion      *int   `json:"magic"`
	MagicUnknown      bool   `json:"magic_unknown"`
	IsOdex            bool   `json:"odex"`
	BadSHA1           bool   `json:"bad_sha1"`
	BadAdler32        bool   `json:"bad_adler32"`
	OversizedHeader   bool   `json:"big_header"`
	AntiDisassembly   bool   `json:"anti_disassembly"`
	HeaderSize        uint32 `json:"header_size,omitempty"`
	AntiDisassemblyAt int64  `json:"anti_disassembly_offset,omitempty"`
}

// Validate 解析并校验 DEX 头部，不会因截断或畸形输入 panic
func Validate(buf []byte) HeaderFacts {
	var facts HeaderFacts

	if len(buf) >= magicSize {
		checkMagic(buf[:magicSize], &facts)
	}

	if len(buf) >= signatureOffset {
		stored := binary.LittleEndian.Uint32(buf[checksumOffset:signatureOffset])
		facts.BadAdler32 = adler32.Checksum(buf[signatureOffset:]) != stored
	}

	if len(buf) >= signatureEnd {
		computed := sha1.Sum(buf[signatureEnd:])
		facts.BadSHA1 = !bytes.Equal(computed[:], buf[signatureOffset:signatureEnd])
	}

	if size, ok := readU32(buf, headerSizeOffset); ok {
		facts.HeaderSize = size
		facts.OversizedHeader = size > ExpectedHeaderSize
	}

	dataSize, okSize := readU32(buf, dataSizeOffset)
	dataOff, okOff := readU32(buf, dataOffOffset)
	if okSize && okOff {
		if at := findSignature(buf, uint64(dataOff), uint64(dataSize)); at >= 0 {
			facts.AntiDisassembly = true
			facts.AntiDisassemblyAt = at
		}
	}

	return facts
}

// ValidateFile 读取文件并校验
func ValidateFile(path string) (HeaderFacts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HeaderFacts{}, fmt.Errorf("read dex %s: %w", path, err)
	}
	if len(data) == 0 {
		return HeaderFacts{}, ErrEmptyFile
	}
	return Validate(data), nil
}

func checkMagic(magic []byte, facts *HeaderFacts) {
	facts.MagicUnknown = true
	if bytes.HasPrefix(magic, []byte("dey")) {
		facts.IsOdex = true
	}

	// 版本号形如 "035"
	v := magic[4:7]
	if v[0] != '0' || !isDigit(v[1]) || !isDigit(v[2]) {
		return
	}
	version := int(v[1]-'0')*10 + int(v[2]-'0')
	if version >= MinSupportedVersion && version <= MaxSupportedVersion {
		facts.MagicVersion = &version
		facts.MagicUnknown = false
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func readU32(buf []byte, off int) (uint32, bool) {
	if off < 0 || len(buf) < off+4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[off : off+4]), true
}

// findSignature 在数据区（截断到缓冲区范围内）搜索特征，返回绝对偏移，未找到返回 -1
func findSignature(buf []byte, off, size uint64) int64 {
	n := uint64(len(buf))
	if off >= n {
		return -1
	}
	end := off + size
	if end > n {
		end = n
	}
	i := bytes.Index(buf[off:end], antiDisassemblySignature)
	if i < 0 {
		return -1
	}
	return int64(off) + int64(i)
}
