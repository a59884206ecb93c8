package recovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// writeFileDurable записывает файл через временный файл, fsync и rename,
// после чего синхронизирует каталог. Читатель никогда не видит частично
// записанный файл.
func writeFileDurable(dir, name string, data []byte, perm fs.FileMode) (err error) {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("не удалось создать временный файл: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("не удалось записать %s: %w", name, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("не удалось синхронизировать %s: %w", name, err)
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("не удалось установить права на %s: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("не удалось закрыть %s: %w", name, err)
	}
	if err = os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("не удалось переименовать %s: %w", name, err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("не удалось открыть каталог %s: %w", dir, err)
	}
	defer d.Close()

	// Не все платформы поддерживают fsync каталога.
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("не удалось синхронизировать каталог %s: %w", dir, err)
	}
	return nil
}

// removePair удаляет сначала метаданные, затем содержимое, чтобы сбой
// между удалениями не оставил метаданные без содержимого.
func removePair(e Entry) error {
	if err := os.Remove(e.MetaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("не удалось удалить %s: %w", e.MetaPath, err)
	}
	if err := os.Remove(e.ContentPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("не удалось удалить %s: %w", e.ContentPath, err)
	}
	return nil
}
