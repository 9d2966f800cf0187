package utils

import (
	"bufio"
	"encoding/json"
	"os"
)

// StreamJSONLWriter 流式 JSONL 写入器
type StreamJSONLWriter struct {
	file   *os.File
	writer *bufio.Writer
	lines  int
}

// NewStreamJSONLWriter 创建流式 JSONL 写入器（覆盖已有文件）
func NewStreamJSONLWriter(filePath string) (*StreamJSONLWriter, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	return &StreamJSONLWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024), // 64KB 缓冲
	}, nil
}

// WriteLine 写入一行 JSON
func (w *StreamJSONLWriter) WriteLine(data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(jsonData); err != nil {
		return err
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	return nil
}

// Lines 已写入行数
func (w *StreamJSONLWriter) Lines() int {
	return w.lines
}

// Close 刷新并关闭
func (w *StreamJSONLWriter) Close() error {
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// ReadJSONLFile 逐行读取 JSONL 文件并解析为 T
func ReadJSONLFile[T any](filePath string, callback func(item T) error) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// 单行最大 10MB
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		var item T
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			return err
		}
		if err := callback(item); err != nil {
			return err
		}
	}
	return scanner.Err()
}
