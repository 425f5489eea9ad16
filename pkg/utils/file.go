package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

// FileUtils 文件操作工具
type FileUtils struct {
	logger *logrus.Entry
}

// NewFileUtils 创建文件操作工具实例
func NewFileUtils(component string) *FileUtils {
	return &FileUtils{
		logger: logger.GetComponentLogger(component),
	}
}

// EnsureDirectory 确保目录存在，如果不存在则创建
func (f *FileUtils) EnsureDirectory(dirPath string, perm os.FileMode) error {
	if err := os.MkdirAll(dirPath, perm); err != nil {
		logger.LogError(err, "创建目录失败", logrus.Fields{
			"directory": dirPath,
			"perm":      perm,
		})
		return fmt.Errorf("创建目录失败: %w", err)
	}
	return nil
}

// WriteFileAtomic 先写临时文件再rename，读取方不会看到写了一半的内容
func (f *FileUtils) WriteFileAtomic(filePath string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filePath)
	if err := f.EnsureDirectory(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filePath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("设置文件权限失败: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		logger.LogError(err, "写入文件失败", logrus.Fields{
			"file_path": filePath,
		})
		return fmt.Errorf("重命名文件失败: %w", err)
	}

	f.logger.WithFields(logrus.Fields{
		"file_path": filePath,
		"size":      len(data),
	}).Debug("文件写入成功")

	return nil
}

// FileExists 检查文件是否存在
func (f *FileUtils) FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}

// RemoveFileIfExists 如果文件存在则删除
func (f *FileUtils) RemoveFileIfExists(filePath string) error {
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		logger.LogError(err, "删除文件失败", logrus.Fields{
			"file_path": filePath,
		})
		return fmt.Errorf("删除文件失败: %w", err)
	}
	return nil
}
