package dex

import (
	"crypto/sha1"
	"encoding/binary"
	"hash/adler32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildDex 构造头部校验和与签名都正确的 DEX 缓冲区
func buildDex(t *testing.T, magic string, payload []byte, dataOff, dataSize uint32) []byte {
	t.Helper()
	buf := make([]byte, ExpectedHeaderSize+len(payload))
	copy(buf, magic)
	binary.LittleEndian.PutUint32(buf[headerSizeOffset:], ExpectedHeaderSize)
	binary.LittleEndian.PutUint32(buf[dataSizeOffset:], dataSize)
	binary.LittleEndian.PutUint32(buf[dataOffOffset:], dataOff)
	copy(buf[ExpectedHeaderSize:], payload)
	fixup(buf)
	return buf
}

func fixup(buf []byte) {
	sum := sha1.Sum(buf[signatureEnd:])
	copy(buf[signatureOffset:signatureEnd], sum[:])
	binary.LittleEndian.PutUint32(buf[checksumOffset:], adler32.Checksum(buf[signatureOffset:]))
}

// TestValidate_Clean 测试合法 DEX 所有布尔项为 false
func TestValidate_Clean(t *testing.T) {
	buf := buildDex(t, "dex\n035\x00", []byte("some class data here"), ExpectedHeaderSize, 20)

	facts := Validate(buf)
	require.NotNil(t, facts.MagicVersion)
	assert.Equal(t, 35, *facts.MagicVersion)
	assert.False(t, facts.MagicUnknown)
	assert.False(t, facts.IsOdex)
	assert.False(t, facts.BadSHA1)
	assert.False(t, facts.BadAdler32)
	assert.False(t, facts.OversizedHeader)
	assert.False(t, facts.AntiDisassembly)
}

// TestValidate_FlippedByte 测试篡改负载后校验失败
func TestValidate_FlippedByte(t *testing.T) {
	buf := buildDex(t, "dex\n035\x00", []byte("some class data here"), ExpectedHeaderSize, 20)
	buf[ExpectedHeaderSize+3] ^= 0xff

	facts := Validate(buf)
	assert.True(t, facts.BadSHA1)
	assert.True(t, facts.BadAdler32)
	assert.False(t, facts.MagicUnknown)
	assert.False(t, facts.OversizedHeader)
	assert.False(t, facts.AntiDisassembly)
}

// TestValidate_TamperedSignatureOnly 测试只改签名时仅 adler32 覆盖到
func TestValidate_TamperedSignatureOnly(t *testing.T) {
	buf := buildDex(t, "dex\n035\x00", []byte("payload"), 0, 0)
	buf[signatureOffset] ^= 0x01

	facts := Validate(buf)
	assert.True(t, facts.BadSHA1)
	assert.True(t, facts.BadAdler32)
}

func TestValidate_Magic(t *testing.T) {
	cases := []struct {
		magic   string
		version int
		unknown bool
		odex    bool
	}{
		{"dex\n039\x00", 39, false, false},
		{"dex\n041\x00", 41, false, false},
		{"dex\n034\x00", 0, true, false},
		{"dex\n099\x00", 0, true, false},
		{"dey\n036\x00", 36, false, true},
		{"zzzzzzzz", 0, true, false},
	}
	for _, c := range cases {
		facts := Validate(buildDex(t, c.magic, nil, 0, 0))
		assert.Equal(t, c.unknown, facts.MagicUnknown, c.magic)
		assert.Equal(t, c.odex, facts.IsOdex, c.magic)
		if c.unknown {
			assert.Nil(t, facts.MagicVersion, c.magic)
		} else {
			require.NotNil(t, facts.MagicVersion, c.magic)
			assert.Equal(t, c.version, *facts.MagicVersion)
		}
	}
}

// TestValidate_OversizedHeader 测试头部过大
func TestValidate_OversizedHeader(t *testing.T) {
	buf := buildDex(t, "dex\n035\x00", nil, 0, 0)
	binary.LittleEndian.PutUint32(buf[headerSizeOffset:], 0x78)
	fixup(buf)

	facts := Validate(buf)
	assert.True(t, facts.OversizedHeader)
	assert.Equal(t, uint32(0x78), facts.HeaderSize)
	assert.False(t, facts.BadSHA1)
	assert.False(t, facts.BadAdler32)
}

// TestValidate_AntiDisassembly 测试数据区中的 fill-array-data 特征
func TestValidate_AntiDisassembly(t *testing.T) {
	payload := append([]byte{0xAA, 0xBB}, antiDisassemblySignature...)
	buf := buildDex(t, "dex\n035\x00", payload, ExpectedHeaderSize, uint32(len(payload)))

	facts := Validate(buf)
	assert.True(t, facts.AntiDisassembly)
	assert.Equal(t, int64(ExpectedHeaderSize+2), facts.AntiDisassemblyAt)

	// 数据区声明超出文件时截断到缓冲区末尾
	buf = buildDex(t, "dex\n035\x00", payload, ExpectedHeaderSize, 0xFFFFFFFF)
	assert.True(t, Validate(buf).AntiDisassembly)

	// 特征在数据区之外不算
	buf = buildDex(t, "dex\n035\x00", payload, ExpectedHeaderSize+5, 4)
	assert.False(t, Validate(buf).AntiDisassembly)

	// 偏移超出文件
	buf = buildDex(t, "dex\n035\x00", payload, 0xFFFFFFF0, 0xFFFFFFFF)
	assert.False(t, Validate(buf).AntiDisassembly)
}

// TestValidate_Truncated 测试任意截断都不会 panic
func TestValidate_Truncated(t *testing.T) {
	full := buildDex(t, "dex\n035\x00", []byte("payload bytes"), ExpectedHeaderSize, 13)
	for n := 0; n <= len(full); n++ {
		assert.NotPanics(t, func() { Validate(full[:n]) })
	}

	facts := Validate(full[:4])
	assert.Equal(t, HeaderFacts{}, facts)

	facts = Validate(full[:10])
	assert.False(t, facts.MagicUnknown)
	assert.False(t, facts.BadAdler32)
	assert.False(t, facts.BadSHA1)
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classes.dex")
	require.NoError(t, os.WriteFile(path, buildDex(t, "dex\n038\x00", []byte("x"), 0, 0), 0o644))

	facts, err := ValidateFile(path)
	require.NoError(t, err)
	assert.Equal(t, 38, *facts.MagicVersion)

	empty := filepath.Join(dir, "empty.dex")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = ValidateFile(empty)
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = ValidateFile(filepath.Join(dir, "missing.dex"))
	assert.Error(t, err)
}
